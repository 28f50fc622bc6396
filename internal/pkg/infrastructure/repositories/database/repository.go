package database

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type ConnectorConfig struct {
	Host     string
	Port     string
	Username string
	DbName   string
	Password string
	SslMode  string
}

func LoadConfigFromEnv(log zerolog.Logger) ConnectorConfig {
	return ConnectorConfig{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     env.GetVariableOrDefault(log, "POSTGRES_PORT", "5432"),
		Username: os.Getenv("POSTGRES_USER"),
		DbName:   os.Getenv("POSTGRES_DBNAME"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		SslMode:  env.GetVariableOrDefault(log, "POSTGRES_SSLMODE", "disable"),
	}
}

type ConnectorFunc func() (*gorm.DB, zerolog.Logger, error)

func NewSQLiteConnector(log zerolog.Logger) ConnectorFunc {
	return func() (*gorm.DB, zerolog.Logger, error) {
		db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})

		if err == nil {
			sqldb, _ := db.DB()
			sqldb.SetMaxOpenConns(1)
		}

		return db, log, err
	}
}

func NewPostgreSQLConnector(log zerolog.Logger, cfg ConnectorConfig) ConnectorFunc {
	dbURI := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s password=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.DbName, cfg.SslMode, cfg.Password)

	return func() (*gorm.DB, zerolog.Logger, error) {
		sublogger := log.With().Str("host", cfg.Host).Str("database", cfg.DbName).Logger()

		for attempt := 1; ; attempt++ {
			sublogger.Info().Msg("connecting to database host")

			db, err := gorm.Open(postgres.Open(dbURI), &gorm.Config{
				Logger: logger.New(
					&logadapter{log: sublogger},
					logger.Config{
						SlowThreshold:             time.Second,
						LogLevel:                  logger.Warn,
						IgnoreRecordNotFoundError: true,
						Colorful:                  false,
					},
				),
			})
			if err == nil {
				return db, sublogger, nil
			}

			if attempt >= 10 {
				return nil, sublogger, fmt.Errorf("failed to connect to database: %w", err)
			}

			sublogger.Error().Err(err).Msg("failed to connect to database")
			time.Sleep(3 * time.Second)
		}
	}
}

// logadapter provides a Printf interface to the gorm logger
// so that we can forward the log data to zerolog
type logadapter struct {
	log zerolog.Logger
}

func (l *logadapter) Printf(format string, args ...interface{}) {
	l.log.Info().Msgf(format, args...)
}

// New connects to the database, migrates the schema and returns a Store.
func New(ctx context.Context, connect ConnectorFunc) (Store, error) {
	db, log, err := connect()
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&Client{}, &Device{}, &Locker{}, &LockerDoor{},
		&ClientUser{}, &DoorUsageSession{}, &UserCredential{}, &Profile{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Debug().Msg("database schema migrated")

	return &store{db: db, log: log}, nil
}
