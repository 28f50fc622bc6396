package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/diwise/locker-mgmt/internal/pkg/application/authz"
	"github.com/diwise/locker-mgmt/internal/pkg/application/status"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/logging"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/locker-mgmt/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"
)

const MaxDoorCount = 64

type NewLocker struct {
	LockerNumber int     `json:"lockerNumber" validate:"gt=0"`
	DoorCount    int     `json:"doorCount" validate:"min=1,max=64"`
	ClientID     *string `json:"clientID,omitempty"`
}

type LockerQuery struct {
	Statuses      []types.LockerStatus
	ClientID      string
	DispatchReady bool
	Offset        int
	Limit         int
}

type DeviceQuery struct {
	Linked *bool
	Offset int
	Limit  int
}

// Inventory holds the admin operations on single records. Operations that
// link records to each other belong to the assignment service.
type Inventory interface {
	CreateClient(ctx context.Context, caller types.Caller, client types.Client) (types.Client, error)
	UpdateClient(ctx context.Context, caller types.Caller, client types.Client) (types.Client, error)
	GetClient(ctx context.Context, caller types.Caller, clientID string) (types.Client, error)
	QueryClients(ctx context.Context, caller types.Caller, offset, limit int) (types.Collection[types.Client], error)

	CreateDevice(ctx context.Context, caller types.Caller, device types.Device) (types.Device, error)
	GetDevice(ctx context.Context, caller types.Caller, deviceID string) (types.Device, error)
	QueryDevices(ctx context.Context, caller types.Caller, q DeviceQuery) (types.Collection[types.Device], error)

	CreateLocker(ctx context.Context, caller types.Caller, req NewLocker) (types.Locker, error)
	GetLocker(ctx context.Context, caller types.Caller, lockerID string) (types.Locker, error)
	QueryLockers(ctx context.Context, caller types.Caller, q LockerQuery) (types.Collection[types.Locker], error)
	SetLockerStatus(ctx context.Context, caller types.Caller, lockerID string, target types.LockerStatus) (types.Locker, error)
	DeleteLocker(ctx context.Context, caller types.Caller, lockerID string) error

	GetDoor(ctx context.Context, caller types.Caller, doorID string) (types.LockerDoor, error)

	CreateClientUser(ctx context.Context, caller types.Caller, user types.ClientUser) (types.ClientUser, error)
	GetClientUser(ctx context.Context, caller types.Caller, userID string) (types.ClientUser, error)
	UpdateClientUser(ctx context.Context, caller types.Caller, userID string, user types.ClientUser) (types.ClientUser, error)
	QueryClientUsers(ctx context.Context, caller types.Caller, clientID string, offset, limit int) (types.Collection[types.ClientUser], error)

	SetCredential(ctx context.Context, caller types.Caller, userID, methodType, secret string) (types.UserCredential, error)
	VerifyCredential(ctx context.Context, caller types.Caller, userID, methodType, secret string) (bool, error)
}

type inventory struct {
	store     database.Store
	messenger messaging.MsgContext
	auth      authz.Authorizer
	validate  *validator.Validate
	hashCost  int
	now       func() time.Time
}

type Option func(*inventory)

func WithClock(now func() time.Time) Option {
	return func(i *inventory) {
		i.now = now
	}
}

func WithHashCost(cost int) Option {
	return func(i *inventory) {
		i.hashCost = cost
	}
}

func New(s database.Store, m messaging.MsgContext, a authz.Authorizer, opts ...Option) Inventory {
	i := &inventory{
		store:     s,
		messenger: m,
		auth:      a,
		validate:  validator.New(),
		hashCost:  bcrypt.DefaultCost,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

func (i *inventory) check(v any) error {
	err := i.validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
			return fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag())
		})
		return types.NewValidationError(strings.Join(fields, ", "))
	}

	return types.NewValidationError(err.Error())
}

func (i *inventory) CreateClient(ctx context.Context, caller types.Caller, client types.Client) (types.Client, error) {
	if err := i.auth.Authorize(ctx, caller, authz.ManageInventory); err != nil {
		return types.Client{}, err
	}

	client.Name = strings.TrimSpace(client.Name)
	if err := i.check(client); err != nil {
		return types.Client{}, err
	}

	now := i.now().UTC()
	client.ID = uuid.NewString()
	client.CreatedAt = now
	client.UpdatedAt = now

	if err := i.store.CreateClient(ctx, client); err != nil {
		return types.Client{}, err
	}

	log := logging.GetLoggerFromContext(ctx)
	log.Info().Str("client_id", client.ID).Msg("client created")

	return client, nil
}

func (i *inventory) UpdateClient(ctx context.Context, caller types.Caller, client types.Client) (types.Client, error) {
	if err := i.auth.Authorize(ctx, caller, authz.ManageInventory); err != nil {
		return types.Client{}, err
	}

	client.Name = strings.TrimSpace(client.Name)
	if err := i.check(client); err != nil {
		return types.Client{}, err
	}

	var updated types.Client

	err := i.store.WithinTransaction(ctx, func(tx database.Store) error {
		existing, err := tx.GetClient(ctx, client.ID)
		if err != nil {
			return err
		}

		client.CreatedAt = existing.CreatedAt
		client.UpdatedAt = i.now().UTC()

		if err = tx.UpdateClient(ctx, client); err != nil {
			return err
		}

		updated = client
		return nil
	})

	return updated, err
}

func (i *inventory) GetClient(ctx context.Context, caller types.Caller, clientID string) (types.Client, error) {
	if err := i.auth.Authorize(ctx, caller, authz.ReadInventory); err != nil {
		return types.Client{}, err
	}

	return i.store.GetClient(ctx, clientID)
}

func (i *inventory) QueryClients(ctx context.Context, caller types.Caller, offset, limit int) (types.Collection[types.Client], error) {
	if err := i.auth.Authorize(ctx, caller, authz.ReadInventory); err != nil {
		return types.Collection[types.Client]{}, err
	}

	return i.store.QueryClients(ctx, database.WithOffset(offset), database.WithLimit(limit))
}

func (i *inventory) CreateDevice(ctx context.Context, caller types.Caller, device types.Device) (types.Device, error) {
	if err := i.auth.Authorize(ctx, caller, authz.ManageInventory); err != nil {
		return types.Device{}, err
	}

	if err := i.check(device); err != nil {
		return types.Device{}, err
	}

	if device.LockerID != nil {
		return types.Device{}, types.NewValidationError("devices are linked to lockers through assignment", *device.LockerID)
	}

	if device.ID == "" {
		device.ID = uuid.NewString()
	} else if _, err := i.store.GetDevice(ctx, device.ID); err == nil {
		return types.Device{}, types.NewValidationError("device already exists", device.ID)
	} else if !errors.Is(err, types.ErrNotFound) {
		return types.Device{}, err
	}

	if err := i.store.CreateDevice(ctx, device); err != nil {
		return types.Device{}, err
	}

	return device, nil
}

func (i *inventory) GetDevice(ctx context.Context, caller types.Caller, deviceID string) (types.Device, error) {
	if err := i.auth.Authorize(ctx, caller, authz.ReadInventory); err != nil {
		return types.Device{}, err
	}

	return i.store.GetDevice(ctx, deviceID)
}

func (i *inventory) QueryDevices(ctx context.Context, caller types.Caller, q DeviceQuery) (types.Collection[types.Device], error) {
	if err := i.auth.Authorize(ctx, caller, authz.ReadInventory); err != nil {
		return types.Collection[types.Device]{}, err
	}

	conditions := []database.ConditionFunc{database.WithOffset(q.Offset), database.WithLimit(q.Limit)}
	if q.Linked != nil {
		conditions = append(conditions, database.WithAssigned(*q.Linked))
	}

	return i.store.QueryDevices(ctx, conditions...)
}

// CreateLocker adds a locker together with its doors, numbered from 1.
func (i *inventory) CreateLocker(ctx context.Context, caller types.Caller, req NewLocker) (types.Locker, error) {
	if err := i.auth.Authorize(ctx, caller, authz.ManageInventory); err != nil {
		return types.Locker{}, err
	}

	if err := i.check(req); err != nil {
		return types.Locker{}, err
	}

	now := i.now().UTC()

	locker := types.Locker{
		ID:           uuid.NewString(),
		LockerNumber: req.LockerNumber,
		Status:       types.LockerAvailable,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if req.ClientID != nil {
		locker.ClientID = req.ClientID
		locker.Status = types.LockerNoDeviceYet
		locker.AssignedAt = &now
	}

	for n := 1; n <= req.DoorCount; n++ {
		locker.Doors = append(locker.Doors, types.LockerDoor{
			ID:         uuid.NewString(),
			LockerID:   locker.ID,
			DoorNumber: n,
			Status:     types.DoorAvailable,
		})
	}

	err := i.store.WithinTransaction(ctx, func(tx database.Store) error {
		existing, err := tx.QueryLockers(ctx, database.WithLockerNumber(req.LockerNumber))
		if err != nil {
			return err
		}
		if len(existing.Data) > 0 {
			return types.NewValidationError(fmt.Sprintf("locker number %d is already in use", req.LockerNumber), existing.Data[0].ID)
		}

		if req.ClientID != nil {
			if _, err = tx.GetClient(ctx, *req.ClientID); err != nil {
				return err
			}
		}

		return tx.CreateLocker(ctx, locker)
	})

	if err != nil {
		return types.Locker{}, err
	}

	log := logging.GetLoggerFromContext(ctx)
	log.Info().Str("locker_id", locker.ID).Int("locker_number", locker.LockerNumber).Int("doors", req.DoorCount).Msg("locker created")

	return status.WithLabels(locker), nil
}

func (i *inventory) GetLocker(ctx context.Context, caller types.Caller, lockerID string) (types.Locker, error) {
	if err := i.auth.Authorize(ctx, caller, authz.ReadInventory); err != nil {
		return types.Locker{}, err
	}

	l, err := i.store.GetLocker(ctx, lockerID)
	if err != nil {
		return types.Locker{}, err
	}

	return status.WithLabels(l), nil
}

func (i *inventory) QueryLockers(ctx context.Context, caller types.Caller, q LockerQuery) (types.Collection[types.Locker], error) {
	if err := i.auth.Authorize(ctx, caller, authz.ReadInventory); err != nil {
		return types.Collection[types.Locker]{}, err
	}

	statuses := q.Statuses
	for _, s := range statuses {
		if !s.Valid() {
			return types.Collection[types.Locker]{}, types.NewValidationError(fmt.Sprintf("unknown locker status %q", s))
		}
	}

	if q.DispatchReady {
		ready := lo.Filter(types.LockerStatuses, func(s types.LockerStatus, _ int) bool { return status.IsDispatchReady(s) })
		if len(statuses) > 0 {
			statuses = lo.Intersect(statuses, ready)
			if len(statuses) == 0 {
				return types.Collection[types.Locker]{Data: []types.Locker{}}, nil
			}
		} else {
			statuses = ready
		}
	}

	conditions := []database.ConditionFunc{database.WithOffset(q.Offset), database.WithLimit(q.Limit)}
	if len(statuses) > 0 {
		conditions = append(conditions, database.WithLockerStatus(statuses...))
	}
	if q.ClientID != "" {
		conditions = append(conditions, database.WithClientID(q.ClientID))
	}

	result, err := i.store.QueryLockers(ctx, conditions...)
	if err != nil {
		return types.Collection[types.Locker]{}, err
	}

	result.Data = lo.Map(result.Data, func(l types.Locker, _ int) types.Locker { return status.WithLabels(l) })

	return result, nil
}

// SetLockerStatus is the admin override of a locker's status.
func (i *inventory) SetLockerStatus(ctx context.Context, caller types.Caller, lockerID string, target types.LockerStatus) (types.Locker, error) {
	if err := i.auth.Authorize(ctx, caller, authz.SetLockerStatus); err != nil {
		return types.Locker{}, err
	}

	now := i.now().UTC()
	var previous types.LockerStatus
	var updated types.Locker

	err := i.store.WithinTransaction(ctx, func(tx database.Store) error {
		locker, err := tx.GetLocker(ctx, lockerID)
		if err != nil {
			return err
		}

		err = status.ValidateLockerTransition(locker.Status, target, locker.DeviceID != nil, locker.ClientID != nil)
		if err != nil {
			var e *types.Error
			if errors.As(err, &e) {
				e.IDs = append(e.IDs, lockerID)
			}
			return err
		}

		previous = locker.Status
		locker.Status = target

		if previous != target {
			if err = tx.UpdateLocker(ctx, locker); err != nil {
				return err
			}
		}

		updated = locker
		return nil
	})

	if err != nil {
		return types.Locker{}, err
	}

	if previous != target {
		msg := &types.LockerStatusChanged{LockerID: lockerID, Previous: previous, Status: target, Timestamp: now}
		if err := i.messenger.PublishOnTopic(ctx, msg); err != nil {
			log := logging.GetLoggerFromContext(ctx)
			log.Error().Err(err).Str("topic", msg.TopicName()).Msg("failed to publish message")
		}
	}

	return status.WithLabels(updated), nil
}

// DeleteLocker removes an empty locker and its doors.
func (i *inventory) DeleteLocker(ctx context.Context, caller types.Caller, lockerID string) error {
	if err := i.auth.Authorize(ctx, caller, authz.ManageInventory); err != nil {
		return err
	}

	return i.store.WithinTransaction(ctx, func(tx database.Store) error {
		locker, err := tx.GetLocker(ctx, lockerID)
		if err != nil {
			return err
		}

		if locker.DeviceID != nil {
			return types.NewError(types.ErrAlreadyAssigned, "locker has a device", lockerID, *locker.DeviceID)
		}

		for _, d := range locker.Doors {
			if d.AssignedUserID != nil {
				return types.NewError(types.ErrHasActiveAssignment, "locker has assigned doors", lockerID, d.ID)
			}
		}

		return tx.DeleteLocker(ctx, lockerID)
	})
}

func (i *inventory) GetDoor(ctx context.Context, caller types.Caller, doorID string) (types.LockerDoor, error) {
	if err := i.auth.Authorize(ctx, caller, authz.ReadInventory); err != nil {
		return types.LockerDoor{}, err
	}

	d, err := i.store.GetDoor(ctx, doorID)
	if err != nil {
		return types.LockerDoor{}, err
	}

	d.StatusLabel = status.DoorLabel(d.Status)
	return d, nil
}

func (i *inventory) CreateClientUser(ctx context.Context, caller types.Caller, user types.ClientUser) (types.ClientUser, error) {
	if err := i.auth.Authorize(ctx, caller, authz.ManageUsers); err != nil {
		return types.ClientUser{}, err
	}

	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.FullName = strings.TrimSpace(user.FullName)

	if err := i.check(user); err != nil {
		return types.ClientUser{}, err
	}

	user.ID = uuid.NewString()
	user.CreatedAt = i.now().UTC()

	err := i.store.WithinTransaction(ctx, func(tx database.Store) error {
		if _, err := tx.GetClient(ctx, user.ClientID); err != nil {
			return err
		}

		existing, err := tx.QueryClientUsers(ctx, database.WithClientID(user.ClientID), database.WithEmail(user.Email))
		if err != nil {
			return err
		}
		if len(existing.Data) > 0 {
			return types.NewValidationError("email is already registered for this client", existing.Data[0].ID)
		}

		return tx.CreateClientUser(ctx, user)
	})

	if err != nil {
		return types.ClientUser{}, err
	}

	return user, nil
}

func (i *inventory) GetClientUser(ctx context.Context, caller types.Caller, userID string) (types.ClientUser, error) {
	if err := i.auth.Authorize(ctx, caller, authz.ReadInventory); err != nil {
		return types.ClientUser{}, err
	}

	return i.store.GetClientUser(ctx, userID)
}

// UpdateClientUser replaces the mutable fields of a user. The id, the owning
// client and the creation time are kept.
func (i *inventory) UpdateClientUser(ctx context.Context, caller types.Caller, userID string, user types.ClientUser) (types.ClientUser, error) {
	if err := i.auth.Authorize(ctx, caller, authz.ManageUsers); err != nil {
		return types.ClientUser{}, err
	}

	var updated types.ClientUser

	err := i.store.WithinTransaction(ctx, func(tx database.Store) error {
		current, err := tx.GetClientUser(ctx, userID)
		if err != nil {
			return err
		}

		if user.ClientID != "" && user.ClientID != current.ClientID {
			return types.NewValidationError("users cannot be moved between clients", userID)
		}

		user.ID = current.ID
		user.ClientID = current.ClientID
		user.CreatedAt = current.CreatedAt
		user.Email = strings.ToLower(strings.TrimSpace(user.Email))
		user.FullName = strings.TrimSpace(user.FullName)

		if err := i.check(user); err != nil {
			return err
		}

		existing, err := tx.QueryClientUsers(ctx, database.WithClientID(user.ClientID), database.WithEmail(user.Email))
		if err != nil {
			return err
		}
		for _, other := range existing.Data {
			if other.ID != user.ID {
				return types.NewValidationError("email is already registered for this client", other.ID)
			}
		}

		if err := tx.UpdateClientUser(ctx, user); err != nil {
			return err
		}

		updated = user
		return nil
	})

	if err != nil {
		return types.ClientUser{}, err
	}

	return updated, nil
}

func (i *inventory) QueryClientUsers(ctx context.Context, caller types.Caller, clientID string, offset, limit int) (types.Collection[types.ClientUser], error) {
	if err := i.auth.Authorize(ctx, caller, authz.ReadInventory); err != nil {
		return types.Collection[types.ClientUser]{}, err
	}

	conditions := []database.ConditionFunc{database.WithOffset(offset), database.WithLimit(limit)}
	if clientID != "" {
		conditions = append(conditions, database.WithClientID(clientID))
	}

	return i.store.QueryClientUsers(ctx, conditions...)
}

// MaxSecretBytes is the longest secret bcrypt accepts.
const MaxSecretBytes = 72

// SetCredential stores a one-way hash of secret. The secret itself is never
// persisted.
func (i *inventory) SetCredential(ctx context.Context, caller types.Caller, userID, methodType, secret string) (types.UserCredential, error) {
	if err := i.auth.Authorize(ctx, caller, authz.ManageUsers); err != nil {
		return types.UserCredential{}, err
	}

	if err := i.validate.Var(methodType, "required,alphanum,max=32"); err != nil {
		return types.UserCredential{}, types.NewValidationError("invalid credential method", userID)
	}

	if err := i.validate.Var(secret, "required,min=4"); err != nil || len([]byte(secret)) > MaxSecretBytes {
		return types.UserCredential{}, types.NewValidationError("secret must be at least 4 characters and at most 72 bytes", userID)
	}

	if _, err := i.store.GetClientUser(ctx, userID); err != nil {
		return types.UserCredential{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), i.hashCost)
	if err != nil {
		kind := types.ErrStoreFailure
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			kind = types.ErrValidation
		}
		return types.UserCredential{}, &types.Error{Kind: kind, Reason: "failed to hash credential", IDs: []string{userID}, Err: err}
	}

	credential := types.UserCredential{
		ID:             uuid.NewString(),
		UserID:         userID,
		MethodType:     methodType,
		CredentialHash: string(hash),
		IsActive:       true,
	}

	if err = i.store.SaveCredential(ctx, credential); err != nil {
		return types.UserCredential{}, err
	}

	return credential, nil
}

func (i *inventory) VerifyCredential(ctx context.Context, caller types.Caller, userID, methodType, secret string) (bool, error) {
	if err := i.auth.Authorize(ctx, caller, authz.ReadInventory); err != nil {
		return false, err
	}

	credentials, err := i.store.QueryCredentials(ctx, database.WithUserID(userID), database.WithActive(true))
	if err != nil {
		return false, err
	}

	for _, c := range credentials {
		if c.MethodType != methodType {
			continue
		}

		err := bcrypt.CompareHashAndPassword([]byte(c.CredentialHash), []byte(secret))
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, &types.Error{Kind: types.ErrStoreFailure, Reason: "failed to compare credential", IDs: []string{c.ID}, Err: err}
		}
	}

	return false, nil
}
