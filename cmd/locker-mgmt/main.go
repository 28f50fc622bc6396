package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diwise/locker-mgmt/internal/pkg/application/assignments"
	"github.com/diwise/locker-mgmt/internal/pkg/application/authz"
	"github.com/diwise/locker-mgmt/internal/pkg/application/events"
	"github.com/diwise/locker-mgmt/internal/pkg/application/inventory"
	"github.com/diwise/locker-mgmt/internal/pkg/application/sessions"
	"github.com/diwise/locker-mgmt/internal/pkg/application/watchdog"
	"github.com/diwise/locker-mgmt/internal/pkg/application/webevents"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/logging"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/router"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/tracing"
	"github.com/diwise/locker-mgmt/internal/pkg/presentation/api"
	"github.com/diwise/locker-mgmt/internal/pkg/presentation/api/auth"
	"github.com/diwise/locker-mgmt/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	yaml "gopkg.in/yaml.v2"
)

const serviceName string = "locker-mgmt"

type flagType int
type flagMap map[flagType]string

const (
	listenAddress flagType = iota
	servicePort
	enableTracing

	policiesFile
	configurationFile
	devicesFile

	jwtSecret

	dbHost
	devmode
)

type appConfig struct {
	Sessions      sessions.Config `yaml:"sessions"`
	Watchdog      watchdog.Config `yaml:"watchdog"`
	Profiles      []types.Profile `yaml:"profiles"`
	events.Config `yaml:",inline"`
}

func defaultFlags() flagMap {
	return flagMap{
		listenAddress: "0.0.0.0",
		servicePort:   "8080",
		enableTracing: "true",

		policiesFile:      "/opt/diwise/config/authz.rego",
		configurationFile: "/opt/diwise/config/config.yaml",
		devicesFile:       "/opt/diwise/config/devices.csv",

		jwtSecret: "",

		dbHost:  "",
		devmode: "false",
	}
}

func main() {
	ctx, flags := parseExternalConfig(context.Background(), defaultFlags())

	serviceVersion := buildinfo.SourceVersion()
	ctx, logger := logging.NewLogger(ctx, serviceName, serviceVersion)
	logger.Info().Msg("starting up ...")

	if flags[enableTracing] == "true" {
		cleanup, err := tracing.Init(ctx, logger, serviceName, serviceVersion)
		exitIf(err, logger, "failed to init tracing")
		defer cleanup()
	}

	cfgFile, err := os.Open(flags[configurationFile])
	exitIf(err, logger, "could not open configuration file")

	cfg, err := parseExternalConfigFile(ctx, cfgFile)
	exitIf(err, logger, "could not parse configuration file")

	policies, err := os.Open(flags[policiesFile])
	exitIf(err, logger, "unable to open opa policy file")

	var devices io.ReadCloser
	if devices, err = os.Open(flags[devicesFile]); err != nil {
		logger.Warn().Err(err).Msg("no devices file, skipping device seed")
		devices = nil
	}

	if flags[jwtSecret] == "" {
		exitIf(errors.New("JWT_SECRET is not set"), logger, "refusing to start without a token secret")
	}

	connect := database.NewPostgreSQLConnector(logger, database.LoadConfigFromEnv(logger))
	if flags[devmode] == "true" || flags[dbHost] == "" {
		logger.Warn().Msg("no database host configured, using an in memory database")
		connect = database.NewSQLiteConnector(logger)
	}

	messenger, err := messaging.Initialize(messaging.LoadConfiguration(serviceName, logger))
	exitIf(err, logger, "failed to init messenger")

	if mock, ok := messenger.(*messaging.MsgContextMock); ok {
		// RABBITMQ_DISABLED=true hands back an empty mock
		mock.PublishOnTopicFunc = func(context.Context, messaging.TopicMessage) error { return nil }
		mock.CloseFunc = func() {}
	}

	r, shutdown, err := initialize(ctx, flags, cfg, connect, messenger, policies, devices)
	exitIf(err, logger, "failed to initialize service")

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", flags[listenAddress], flags[servicePort]),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("starting to listen for connections")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			exitIf(err, logger, "failed to start request router")
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info().Msg("shutting down ...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shut down http server")
	}

	shutdown()
	messenger.Close()
}

func initialize(ctx context.Context, flags flagMap, cfg *appConfig, connect database.ConnectorFunc, messenger messaging.MsgContext, policies, devices io.ReadCloser) (*chi.Mux, func(), error) {
	defer policies.Close()

	s, err := database.New(ctx, connect)
	if err != nil {
		return nil, nil, fmt.Errorf("could not create or connect to database: %w", err)
	}

	if devices != nil {
		defer devices.Close()

		if err = database.SeedDevices(ctx, s, devices); err != nil {
			return nil, nil, fmt.Errorf("failed to seed devices: %w", err)
		}
	}

	if err = database.SeedProfiles(ctx, s, cfg.Profiles); err != nil {
		return nil, nil, fmt.Errorf("failed to seed profiles: %w", err)
	}

	authorizer, err := authz.New(ctx, policies)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load authorization policies: %w", err)
	}

	we := webevents.New(ctx, messenger)

	svc := api.Services{
		Inventory:   inventory.New(s, we, authorizer),
		Assignments: assignments.New(s, we, authorizer),
		Sessions:    sessions.New(s, we, authorizer, &cfg.Sessions),
		Events:      we,
	}

	wd := watchdog.New(s, we, events.New(&cfg.Config), &cfg.Sessions, &cfg.Watchdog)
	wd.Start(ctx)

	r := router.New(serviceName)
	api.RegisterHandlers(ctx, r, auth.NewTokenAuth(flags[jwtSecret]), s, svc)

	shutdown := func() {
		wd.Stop()
		we.Shutdown()
		s.Close()
	}

	return r, shutdown, nil
}

func parseExternalConfigFile(_ context.Context, cfgFile io.ReadCloser) (*appConfig, error) {
	defer cfgFile.Close()

	b, err := io.ReadAll(cfgFile)
	if err != nil {
		return nil, err
	}

	cfg := &appConfig{}
	if err = yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}

	if err = cfg.Sessions.Validate(); err != nil {
		return nil, err
	}

	for _, p := range cfg.Profiles {
		switch p.Role {
		case types.RoleAdmin, types.RoleOperator, types.RoleViewer:
		default:
			return nil, fmt.Errorf("profile %s has unknown role %q", p.ID, p.Role)
		}
	}

	return cfg, nil
}

func parseExternalConfig(ctx context.Context, flags flagMap) (context.Context, flagMap) {
	// Allow environment variables to override certain defaults
	log := logging.GetLoggerFromContext(ctx)
	envOrDef := func(name, def string) string {
		return env.GetVariableOrDefault(log, name, def)
	}

	flags[listenAddress] = envOrDef("LISTEN_ADDRESS", flags[listenAddress])
	flags[servicePort] = envOrDef("SERVICE_PORT", flags[servicePort])
	flags[enableTracing] = envOrDef("ENABLE_TRACING", flags[enableTracing])

	flags[policiesFile] = envOrDef("POLICIES_FILE", flags[policiesFile])
	flags[configurationFile] = envOrDef("CONFIG_FILE", flags[configurationFile])
	flags[devicesFile] = envOrDef("DEVICES_FILE", flags[devicesFile])

	flags[jwtSecret] = envOrDef("JWT_SECRET", flags[jwtSecret])
	flags[dbHost] = envOrDef("POSTGRES_HOST", flags[dbHost])

	apply := func(f flagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	// Allow command line arguments to override defaults and environment variables
	flag.Func("policies", "an authorization policy file", apply(policiesFile))
	flag.Func("devices", "list of known devices", apply(devicesFile))
	flag.Func("config", "locker management configuration file", apply(configurationFile))
	flag.Func("devmode", "use an in memory database", apply(devmode))
	flag.Parse()

	return ctx, flags
}

func exitIf(err error, logger zerolog.Logger, msg string) {
	if err != nil {
		logger.Error().Err(err).Msg(msg)
		time.Sleep(2 * time.Second)
		os.Exit(1)
	}
}
