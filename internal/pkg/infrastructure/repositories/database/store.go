package database

import (
	"context"
	"errors"

	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/logging"
	"github.com/diwise/locker-mgmt/pkg/types"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

//go:generate moq -rm -out store_mock.go . Store

type Store interface {
	// WithinTransaction runs fn in a single transaction. Rows read through
	// the store handed to fn are locked for update until fn returns.
	WithinTransaction(ctx context.Context, fn func(tx Store) error) error

	CreateClient(ctx context.Context, client types.Client) error
	UpdateClient(ctx context.Context, client types.Client) error
	GetClient(ctx context.Context, clientID string) (types.Client, error)
	QueryClients(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.Client], error)

	CreateDevice(ctx context.Context, device types.Device) error
	UpdateDevice(ctx context.Context, device types.Device) error
	GetDevice(ctx context.Context, deviceID string) (types.Device, error)
	QueryDevices(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.Device], error)

	CreateLocker(ctx context.Context, locker types.Locker) error
	UpdateLocker(ctx context.Context, locker types.Locker) error
	GetLocker(ctx context.Context, lockerID string) (types.Locker, error)
	QueryLockers(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.Locker], error)
	DeleteLocker(ctx context.Context, lockerID string) error

	UpdateDoor(ctx context.Context, door types.LockerDoor) error
	GetDoor(ctx context.Context, doorID string) (types.LockerDoor, error)
	QueryDoors(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.LockerDoor], error)

	CreateClientUser(ctx context.Context, user types.ClientUser) error
	UpdateClientUser(ctx context.Context, user types.ClientUser) error
	GetClientUser(ctx context.Context, userID string) (types.ClientUser, error)
	QueryClientUsers(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.ClientUser], error)
	DeleteClientUser(ctx context.Context, userID string) error

	CreateSession(ctx context.Context, session types.DoorUsageSession) error
	UpdateSession(ctx context.Context, session types.DoorUsageSession) error
	GetSession(ctx context.Context, sessionID string) (types.DoorUsageSession, error)
	QuerySessions(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.DoorUsageSession], error)
	DeleteSessions(ctx context.Context, userID string) (int64, error)

	SaveCredential(ctx context.Context, credential types.UserCredential) error
	QueryCredentials(ctx context.Context, conditions ...ConditionFunc) ([]types.UserCredential, error)
	DeleteCredentials(ctx context.Context, userID string) (int64, error)

	SaveProfile(ctx context.Context, profile types.Profile) error
	GetProfile(ctx context.Context, profileID string) (types.Profile, error)

	Close() error
}

type store struct {
	db   *gorm.DB
	log  zerolog.Logger
	inTx bool
}

func (s *store) WithinTransaction(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&store{db: tx, log: s.log, inTx: true})
	})

	return s.failure(ctx, err)
}

func (s *store) Close() error {
	sqldb, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqldb.Close()
}

// read returns a query that locks the selected rows when running inside a
// transaction on a database that supports row locks.
func (s *store) read(ctx context.Context) *gorm.DB {
	q := s.db.WithContext(ctx)
	if s.inTx && s.db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

func (s *store) failure(ctx context.Context, err error, ids ...string) error {
	if err == nil {
		return nil
	}

	var e *types.Error
	if errors.As(err, &e) {
		return types.StoreFailure(err, ids...)
	}

	if isUniqueViolation(err) {
		return &types.Error{Kind: types.ErrValidation, Reason: "conflicts with an existing record", IDs: ids, Err: err}
	}

	log := logging.GetLoggerFromContext(ctx)
	log.Error().Err(err).Strs("ids", ids).Msg("gorm error")

	return types.StoreFailure(err, ids...)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}

	return false
}

func (s *store) first(ctx context.Context, dest any, kind, id string) error {
	err := s.read(ctx).Where("id = ?", id).First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NewError(types.ErrNotFound, kind+" not found", id)
	}
	return s.failure(ctx, err, id)
}

func (s *store) requireRows(result *gorm.DB, kind, id string) error {
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.NewError(types.ErrNotFound, kind+" not found", id)
	}
	return nil
}

func find[T any, R any](ctx context.Context, s *store, model any, filter func(*gorm.DB) *gorm.DB, c *Condition, order string, mapper func(T) R) (types.Collection[R], error) {
	var total int64
	err := filter(s.db.WithContext(ctx).Model(model)).Count(&total).Error
	if err != nil {
		return types.Collection[R]{}, s.failure(ctx, err)
	}

	rows := []T{}
	err = c.page(filter(s.read(ctx).Order(order))).Find(&rows).Error
	if err != nil {
		return types.Collection[R]{}, s.failure(ctx, err)
	}

	data := make([]R, 0, len(rows))
	for _, r := range rows {
		data = append(data, mapper(r))
	}

	return types.Collection[R]{
		Data:       data,
		Count:      uint64(len(data)),
		Offset:     uint64(c.Offset()),
		Limit:      uint64(c.Limit()),
		TotalCount: uint64(total),
	}, nil
}

func (s *store) CreateClient(ctx context.Context, client types.Client) error {
	c := fromClient(client)
	return s.failure(ctx, s.db.WithContext(ctx).Create(&c).Error, client.ID)
}

func (s *store) UpdateClient(ctx context.Context, client types.Client) error {
	c := fromClient(client)
	result := s.db.WithContext(ctx).Model(&Client{}).Where("id = ?", c.ID).Select("*").Omit("created_at").Updates(&c)
	return s.failure(ctx, s.requireRows(result, "client", c.ID), c.ID)
}

func (s *store) GetClient(ctx context.Context, clientID string) (types.Client, error) {
	c := Client{}
	if err := s.first(ctx, &c, "client", clientID); err != nil {
		return types.Client{}, err
	}
	return c.toType(), nil
}

func (s *store) QueryClients(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.Client], error) {
	c := NewCondition(conditions...)
	return find(ctx, s, &Client{}, c.clients, c, "name", Client.toType)
}

func (s *store) CreateDevice(ctx context.Context, device types.Device) error {
	d := fromDevice(device)
	return s.failure(ctx, s.db.WithContext(ctx).Create(&d).Error, device.ID)
}

func (s *store) UpdateDevice(ctx context.Context, device types.Device) error {
	d := fromDevice(device)
	result := s.db.WithContext(ctx).Model(&Device{}).Where("id = ?", d.ID).Select("*").Updates(&d)
	return s.failure(ctx, s.requireRows(result, "device", d.ID), d.ID)
}

func (s *store) GetDevice(ctx context.Context, deviceID string) (types.Device, error) {
	d := Device{}
	if err := s.first(ctx, &d, "device", deviceID); err != nil {
		return types.Device{}, err
	}
	return d.toType(), nil
}

func (s *store) QueryDevices(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.Device], error) {
	c := NewCondition(conditions...)
	return find(ctx, s, &Device{}, c.devices, c, "id", Device.toType)
}

// CreateLocker inserts the locker together with its doors.
func (s *store) CreateLocker(ctx context.Context, locker types.Locker) error {
	return s.WithinTransaction(ctx, func(tx Store) error {
		txs := tx.(*store)

		l := fromLocker(locker)
		if err := txs.db.WithContext(ctx).Create(&l).Error; err != nil {
			return txs.failure(ctx, err, locker.ID)
		}

		if len(locker.Doors) == 0 {
			return nil
		}

		doors := make([]LockerDoor, 0, len(locker.Doors))
		for _, d := range locker.Doors {
			doors = append(doors, fromDoor(d))
		}

		return txs.failure(ctx, txs.db.WithContext(ctx).Create(&doors).Error, locker.ID)
	})
}

func (s *store) UpdateLocker(ctx context.Context, locker types.Locker) error {
	l := fromLocker(locker)
	result := s.db.WithContext(ctx).Model(&Locker{}).Where("id = ?", l.ID).Select("*").Omit("created_at").Updates(&l)
	return s.failure(ctx, s.requireRows(result, "locker", l.ID), l.ID)
}

func (s *store) GetLocker(ctx context.Context, lockerID string) (types.Locker, error) {
	l := Locker{}
	if err := s.first(ctx, &l, "locker", lockerID); err != nil {
		return types.Locker{}, err
	}

	doors := []LockerDoor{}
	err := s.read(ctx).Where("locker_id = ?", lockerID).Order("door_number").Find(&doors).Error
	if err != nil {
		return types.Locker{}, s.failure(ctx, err, lockerID)
	}

	return l.toType(doors), nil
}

func (s *store) QueryLockers(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.Locker], error) {
	c := NewCondition(conditions...)

	lockers, err := find(ctx, s, &Locker{}, c.lockers, c, "locker_number", func(l Locker) types.Locker { return l.toType(nil) })
	if err != nil || len(lockers.Data) == 0 {
		return lockers, err
	}

	ids := make([]string, 0, len(lockers.Data))
	for _, l := range lockers.Data {
		ids = append(ids, l.ID)
	}

	doors := []LockerDoor{}
	err = s.read(ctx).Where("locker_id IN ?", ids).Order("door_number").Find(&doors).Error
	if err != nil {
		return types.Collection[types.Locker]{}, s.failure(ctx, err)
	}

	byLocker := map[string][]types.LockerDoor{}
	for _, d := range doors {
		byLocker[d.LockerID] = append(byLocker[d.LockerID], d.toType())
	}

	for i := range lockers.Data {
		lockers.Data[i].Doors = byLocker[lockers.Data[i].ID]
	}

	return lockers, nil
}

// DeleteLocker removes the locker and all of its doors.
func (s *store) DeleteLocker(ctx context.Context, lockerID string) error {
	return s.WithinTransaction(ctx, func(tx Store) error {
		txs := tx.(*store)

		err := txs.db.WithContext(ctx).Where("locker_id = ?", lockerID).Delete(&LockerDoor{}).Error
		if err != nil {
			return txs.failure(ctx, err, lockerID)
		}

		result := txs.db.WithContext(ctx).Where("id = ?", lockerID).Delete(&Locker{})
		return txs.failure(ctx, txs.requireRows(result, "locker", lockerID), lockerID)
	})
}

func (s *store) UpdateDoor(ctx context.Context, door types.LockerDoor) error {
	d := fromDoor(door)
	result := s.db.WithContext(ctx).Model(&LockerDoor{}).Where("id = ?", d.ID).Select("*").Updates(&d)
	return s.failure(ctx, s.requireRows(result, "door", d.ID), d.ID)
}

func (s *store) GetDoor(ctx context.Context, doorID string) (types.LockerDoor, error) {
	d := LockerDoor{}
	if err := s.first(ctx, &d, "door", doorID); err != nil {
		return types.LockerDoor{}, err
	}
	return d.toType(), nil
}

func (s *store) QueryDoors(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.LockerDoor], error) {
	c := NewCondition(conditions...)
	return find(ctx, s, &LockerDoor{}, c.doors, c, "locker_id, door_number", LockerDoor.toType)
}

func (s *store) CreateClientUser(ctx context.Context, user types.ClientUser) error {
	u := fromClientUser(user)
	return s.failure(ctx, s.db.WithContext(ctx).Create(&u).Error, user.ID)
}

func (s *store) UpdateClientUser(ctx context.Context, user types.ClientUser) error {
	u := fromClientUser(user)
	result := s.db.WithContext(ctx).Model(&ClientUser{}).Where("id = ?", u.ID).Select("*").Omit("created_at").Updates(&u)
	return s.failure(ctx, s.requireRows(result, "client user", u.ID), u.ID)
}

func (s *store) GetClientUser(ctx context.Context, userID string) (types.ClientUser, error) {
	u := ClientUser{}
	if err := s.first(ctx, &u, "client user", userID); err != nil {
		return types.ClientUser{}, err
	}
	return u.toType(), nil
}

func (s *store) QueryClientUsers(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.ClientUser], error) {
	c := NewCondition(conditions...)
	return find(ctx, s, &ClientUser{}, c.clientUsers, c, "full_name", ClientUser.toType)
}

func (s *store) DeleteClientUser(ctx context.Context, userID string) error {
	result := s.db.WithContext(ctx).Where("id = ?", userID).Delete(&ClientUser{})
	return s.failure(ctx, s.requireRows(result, "client user", userID), userID)
}

func (s *store) CreateSession(ctx context.Context, session types.DoorUsageSession) error {
	m := fromSession(session)
	return s.failure(ctx, s.db.WithContext(ctx).Create(&m).Error, session.ID)
}

func (s *store) UpdateSession(ctx context.Context, session types.DoorUsageSession) error {
	m := fromSession(session)
	result := s.db.WithContext(ctx).Model(&DoorUsageSession{}).Where("id = ?", m.ID).Select("*").Updates(&m)
	return s.failure(ctx, s.requireRows(result, "session", m.ID), m.ID)
}

func (s *store) GetSession(ctx context.Context, sessionID string) (types.DoorUsageSession, error) {
	m := DoorUsageSession{}
	if err := s.first(ctx, &m, "session", sessionID); err != nil {
		return types.DoorUsageSession{}, err
	}
	return m.toType(), nil
}

func (s *store) QuerySessions(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.DoorUsageSession], error) {
	c := NewCondition(conditions...)
	return find(ctx, s, &DoorUsageSession{}, c.sessions, c, "session_start desc", DoorUsageSession.toType)
}

func (s *store) DeleteSessions(ctx context.Context, userID string) (int64, error) {
	result := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&DoorUsageSession{})
	return result.RowsAffected, s.failure(ctx, result.Error, userID)
}

// SaveCredential inserts or replaces the credential for the user and method.
func (s *store) SaveCredential(ctx context.Context, credential types.UserCredential) error {
	m := UserCredential{
		ID:             credential.ID,
		UserID:         credential.UserID,
		MethodType:     credential.MethodType,
		CredentialHash: credential.CredentialHash,
		IsActive:       credential.IsActive,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "method_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"credential_hash", "is_active"}),
	}).Create(&m).Error

	return s.failure(ctx, err, credential.UserID)
}

func (s *store) QueryCredentials(ctx context.Context, conditions ...ConditionFunc) ([]types.UserCredential, error) {
	c := NewCondition(conditions...)

	rows := []UserCredential{}
	err := c.credentials(s.read(ctx)).Order("method_type").Find(&rows).Error
	if err != nil {
		return nil, s.failure(ctx, err)
	}

	credentials := make([]types.UserCredential, 0, len(rows))
	for _, r := range rows {
		credentials = append(credentials, r.toType())
	}

	return credentials, nil
}

func (s *store) DeleteCredentials(ctx context.Context, userID string) (int64, error) {
	result := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&UserCredential{})
	return result.RowsAffected, s.failure(ctx, result.Error, userID)
}

func (s *store) SaveProfile(ctx context.Context, profile types.Profile) error {
	p := Profile{ID: profile.ID, Email: profile.Email, Role: string(profile.Role)}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "role"}),
	}).Create(&p).Error
	return s.failure(ctx, err, profile.ID)
}

func (s *store) GetProfile(ctx context.Context, profileID string) (types.Profile, error) {
	p := Profile{}
	if err := s.first(ctx, &p, "profile", profileID); err != nil {
		return types.Profile{}, err
	}
	return types.Profile{ID: p.ID, Email: p.Email, Role: types.Role(p.Role)}, nil
}
