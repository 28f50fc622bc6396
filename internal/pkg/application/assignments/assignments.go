package assignments

import (
	"context"
	"errors"
	"time"

	"github.com/diwise/locker-mgmt/internal/pkg/application/authz"
	"github.com/diwise/locker-mgmt/internal/pkg/application/sessions"
	"github.com/diwise/locker-mgmt/internal/pkg/application/status"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/logging"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/metrics"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/locker-mgmt/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/samber/lo"
)

//go:generate moq -rm -out assignmentservice_mock.go . AssignmentService

// AssignmentService performs the mutations that touch more than one record.
// Every operation validates first and then commits all of its writes in a
// single transaction.
type AssignmentService interface {
	AssignDeviceToLocker(ctx context.Context, caller types.Caller, lockerID, deviceID string) (types.Locker, error)
	UnassignDeviceFromLocker(ctx context.Context, caller types.Caller, lockerID string) (types.Locker, error)

	AssignLockerToClient(ctx context.Context, caller types.Caller, lockerID, clientID string) (types.Locker, error)
	ReleaseLockerFromClient(ctx context.Context, caller types.Caller, lockerID string) (types.Locker, error)

	AssignDoorToUser(ctx context.Context, caller types.Caller, doorID, userID string) (types.LockerDoor, types.DoorUsageSession, error)
	UnassignDoorFromUser(ctx context.Context, caller types.Caller, doorID string) (types.LockerDoor, *types.DoorUsageSession, error)

	DeleteClientUser(ctx context.Context, caller types.Caller, userID string) error
}

type service struct {
	store     database.Store
	messenger messaging.MsgContext
	auth      authz.Authorizer
	now       func() time.Time
}

type Option func(*service)

func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

func New(s database.Store, m messaging.MsgContext, a authz.Authorizer, opts ...Option) AssignmentService {
	svc := &service{
		store:     s,
		messenger: m,
		auth:      a,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(svc)
	}

	return svc
}

func (svc *service) AssignDeviceToLocker(ctx context.Context, caller types.Caller, lockerID, deviceID string) (l types.Locker, err error) {
	defer func() { metrics.ObserveAssignment("assign_device", err) }()

	if err = svc.auth.Authorize(ctx, caller, authz.AssignDevices); err != nil {
		return types.Locker{}, err
	}

	now := svc.now().UTC()
	var previous types.LockerStatus
	changed := false

	err = svc.store.WithinTransaction(ctx, func(tx database.Store) error {
		locker, err := tx.GetLocker(ctx, lockerID)
		if err != nil {
			return err
		}

		device, err := tx.GetDevice(ctx, deviceID)
		if err != nil {
			return err
		}

		if device.LockerID != nil && *device.LockerID != lockerID {
			return types.NewError(types.ErrAlreadyAssigned, "device is linked to another locker", deviceID, *device.LockerID)
		}

		if locker.DeviceID != nil && *locker.DeviceID != deviceID {
			return types.NewError(types.ErrAlreadyAssigned, "locker already has a device", lockerID, *locker.DeviceID)
		}

		if device.LockerID != nil && locker.DeviceID != nil {
			l = locker
			return nil
		}

		device.LockerID = &lockerID
		if err = tx.UpdateDevice(ctx, device); err != nil {
			return err
		}

		previous = locker.Status
		locker.DeviceID = &deviceID
		locker.Status = status.NextLockerStatus(locker.Status, true, locker.ClientID != nil)
		locker.AssignedAt = &now

		if err = tx.UpdateLocker(ctx, locker); err != nil {
			return err
		}

		l = locker
		changed = true

		return nil
	})

	if err != nil {
		return types.Locker{}, err
	}

	if changed {
		svc.publish(ctx, &types.DeviceAssigned{LockerID: lockerID, DeviceID: deviceID, Timestamp: now})
		svc.publishStatusChange(ctx, l, previous, now)

		log := logging.GetLoggerFromContext(ctx)
		log.Info().Str("locker_id", lockerID).Str("device_id", deviceID).Str("status", string(l.Status)).Msg("device assigned to locker")
	}

	return status.WithLabels(l), nil
}

func (svc *service) UnassignDeviceFromLocker(ctx context.Context, caller types.Caller, lockerID string) (l types.Locker, err error) {
	defer func() { metrics.ObserveAssignment("unassign_device", err) }()

	if err = svc.auth.Authorize(ctx, caller, authz.AssignDevices); err != nil {
		return types.Locker{}, err
	}

	now := svc.now().UTC()
	var previous types.LockerStatus
	var deviceID string

	err = svc.store.WithinTransaction(ctx, func(tx database.Store) error {
		locker, err := tx.GetLocker(ctx, lockerID)
		if err != nil {
			return err
		}

		if locker.DeviceID == nil {
			return types.NewError(types.ErrNotAssigned, "locker has no device", lockerID)
		}
		deviceID = *locker.DeviceID

		device, err := tx.GetDevice(ctx, deviceID)
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return err
		}

		if err == nil && device.LockerID != nil && *device.LockerID == lockerID {
			device.LockerID = nil
			if err = tx.UpdateDevice(ctx, device); err != nil {
				return err
			}
		}

		previous = locker.Status
		locker.DeviceID = nil
		locker.Status = status.NextLockerStatus(locker.Status, false, locker.ClientID != nil)
		locker.ReleasedAt = &now

		if err = tx.UpdateLocker(ctx, locker); err != nil {
			return err
		}

		l = locker
		return nil
	})

	if err != nil {
		return types.Locker{}, err
	}

	svc.publish(ctx, &types.DeviceUnassigned{LockerID: lockerID, DeviceID: deviceID, Timestamp: now})
	svc.publishStatusChange(ctx, l, previous, now)

	log := logging.GetLoggerFromContext(ctx)
	log.Info().Str("locker_id", lockerID).Str("device_id", deviceID).Str("status", string(l.Status)).Msg("device unassigned from locker")

	return status.WithLabels(l), nil
}

func (svc *service) AssignLockerToClient(ctx context.Context, caller types.Caller, lockerID, clientID string) (l types.Locker, err error) {
	defer func() { metrics.ObserveAssignment("assign_client", err) }()

	if err = svc.auth.Authorize(ctx, caller, authz.AssignLockers); err != nil {
		return types.Locker{}, err
	}

	now := svc.now().UTC()
	var previous types.LockerStatus
	changed := false

	err = svc.store.WithinTransaction(ctx, func(tx database.Store) error {
		locker, err := tx.GetLocker(ctx, lockerID)
		if err != nil {
			return err
		}

		if _, err = tx.GetClient(ctx, clientID); err != nil {
			return err
		}

		if locker.ClientID != nil {
			if *locker.ClientID == clientID {
				l = locker
				return nil
			}
			return types.NewError(types.ErrAlreadyAssigned, "locker is assigned to another client", lockerID, *locker.ClientID)
		}

		previous = locker.Status
		locker.ClientID = &clientID
		locker.Status = status.NextLockerStatus(locker.Status, locker.DeviceID != nil, true)
		locker.AssignedAt = &now
		locker.ReleasedAt = nil

		if err = tx.UpdateLocker(ctx, locker); err != nil {
			return err
		}

		l = locker
		changed = true
		return nil
	})

	if err != nil {
		return types.Locker{}, err
	}

	if changed {
		svc.publishStatusChange(ctx, l, previous, now)
	}

	return status.WithLabels(l), nil
}

func (svc *service) ReleaseLockerFromClient(ctx context.Context, caller types.Caller, lockerID string) (l types.Locker, err error) {
	defer func() { metrics.ObserveAssignment("release_client", err) }()

	if err = svc.auth.Authorize(ctx, caller, authz.AssignLockers); err != nil {
		return types.Locker{}, err
	}

	now := svc.now().UTC()
	var previous types.LockerStatus

	err = svc.store.WithinTransaction(ctx, func(tx database.Store) error {
		locker, err := tx.GetLocker(ctx, lockerID)
		if err != nil {
			return err
		}

		if locker.ClientID == nil {
			return types.NewError(types.ErrNotAssigned, "locker has no client", lockerID)
		}

		assigned := lo.Filter(locker.Doors, func(d types.LockerDoor, _ int) bool {
			return d.AssignedUserID != nil
		})
		if len(assigned) > 0 {
			ids := append([]string{lockerID}, lo.Map(assigned, func(d types.LockerDoor, _ int) string { return d.ID })...)
			return types.NewError(types.ErrHasActiveAssignment, "locker has assigned doors", ids...)
		}

		previous = locker.Status
		locker.ClientID = nil
		locker.Status = status.NextLockerStatus(locker.Status, locker.DeviceID != nil, false)
		locker.ReleasedAt = &now

		if err = tx.UpdateLocker(ctx, locker); err != nil {
			return err
		}

		l = locker
		return nil
	})

	if err != nil {
		return types.Locker{}, err
	}

	svc.publishStatusChange(ctx, l, previous, now)

	return status.WithLabels(l), nil
}

func (svc *service) AssignDoorToUser(ctx context.Context, caller types.Caller, doorID, userID string) (d types.LockerDoor, s types.DoorUsageSession, err error) {
	defer func() { metrics.ObserveAssignment("assign_door", err) }()

	if err = svc.auth.Authorize(ctx, caller, authz.AssignDoors); err != nil {
		return types.LockerDoor{}, types.DoorUsageSession{}, err
	}

	now := svc.now().UTC()

	err = svc.store.WithinTransaction(ctx, func(tx database.Store) error {
		door, err := tx.GetDoor(ctx, doorID)
		if err != nil {
			return err
		}

		user, err := tx.GetClientUser(ctx, userID)
		if err != nil {
			return err
		}

		if door.Status != types.DoorAvailable || door.AssignedUserID != nil {
			return types.NewError(types.ErrDoorUnavailable, "door is "+string(door.Status), doorID)
		}

		held, err := tx.QueryDoors(ctx, database.WithUserID(userID))
		if err != nil {
			return err
		}
		if len(held.Data) > 0 {
			return types.NewError(types.ErrUserAlreadyAssigned, "user already holds a door", userID, held.Data[0].ID)
		}

		if !user.IsActive {
			return types.NewValidationError("user is not active", userID)
		}

		locker, err := tx.GetLocker(ctx, door.LockerID)
		if err != nil {
			return err
		}

		if locker.ClientID == nil || *locker.ClientID != user.ClientID {
			return types.NewValidationError("user does not belong to the client of the locker", userID, locker.ID)
		}

		door.AssignedUserID = &userID
		door.AssignedAt = &now
		door.Status = types.DoorOccupied

		if err = tx.UpdateDoor(ctx, door); err != nil {
			return err
		}

		session, err := sessions.Open(ctx, tx, doorID, userID, now)
		if err != nil {
			return err
		}

		d, s = door, session
		return nil
	})

	if err != nil {
		return types.LockerDoor{}, types.DoorUsageSession{}, err
	}

	svc.publish(ctx, &types.DoorAssigned{DoorID: d.ID, LockerID: d.LockerID, UserID: userID, SessionID: s.ID, Timestamp: now})

	log := logging.GetLoggerFromContext(ctx)
	log.Info().Str("door_id", doorID).Str("user_id", userID).Str("session_id", s.ID).Msg("door assigned to user")

	d.StatusLabel = status.DoorLabel(d.Status)
	return d, s, nil
}

func (svc *service) UnassignDoorFromUser(ctx context.Context, caller types.Caller, doorID string) (d types.LockerDoor, closed *types.DoorUsageSession, err error) {
	defer func() { metrics.ObserveAssignment("unassign_door", err) }()

	if err = svc.auth.Authorize(ctx, caller, authz.AssignDoors); err != nil {
		return types.LockerDoor{}, nil, err
	}

	now := svc.now().UTC()
	var userID string

	err = svc.store.WithinTransaction(ctx, func(tx database.Store) error {
		door, err := tx.GetDoor(ctx, doorID)
		if err != nil {
			return err
		}

		if door.AssignedUserID == nil {
			return types.NewError(types.ErrDoorNotAssigned, "door has no assigned user", doorID)
		}
		userID = *door.AssignedUserID

		closed, err = sessions.ReleaseDoor(ctx, tx, door, now)
		if err != nil {
			return err
		}

		d, err = tx.GetDoor(ctx, doorID)
		return err
	})

	if err != nil {
		return types.LockerDoor{}, nil, err
	}

	svc.publish(ctx, &types.DoorReleased{DoorID: d.ID, LockerID: d.LockerID, UserID: userID, Timestamp: now})

	if closed != nil {
		metrics.ObserveSessionClosed(*closed.DurationMinutes)
		svc.publish(ctx, &types.SessionClosed{
			SessionID:       closed.ID,
			DoorID:          closed.DoorID,
			UserID:          closed.UserID,
			DurationMinutes: *closed.DurationMinutes,
			Timestamp:       now,
		})
	}

	log := logging.GetLoggerFromContext(ctx)
	log.Info().Str("door_id", doorID).Str("user_id", userID).Msg("door unassigned from user")

	d.StatusLabel = status.DoorLabel(d.Status)
	return d, closed, nil
}

func (svc *service) DeleteClientUser(ctx context.Context, caller types.Caller, userID string) (err error) {
	defer func() { metrics.ObserveAssignment("delete_user", err) }()

	if err = svc.auth.Authorize(ctx, caller, authz.ManageUsers); err != nil {
		return err
	}

	var removedSessions, removedCredentials int64

	err = svc.store.WithinTransaction(ctx, func(tx database.Store) error {
		if _, err := tx.GetClientUser(ctx, userID); err != nil {
			return err
		}

		held, err := tx.QueryDoors(ctx, database.WithUserID(userID))
		if err != nil {
			return err
		}
		if len(held.Data) > 0 {
			return types.NewError(types.ErrHasActiveAssignment, "user holds a door", userID, held.Data[0].ID)
		}

		if removedCredentials, err = tx.DeleteCredentials(ctx, userID); err != nil {
			return err
		}

		if removedSessions, err = tx.DeleteSessions(ctx, userID); err != nil {
			return err
		}

		return tx.DeleteClientUser(ctx, userID)
	})

	if err != nil {
		return err
	}

	log := logging.GetLoggerFromContext(ctx)
	log.Info().Str("user_id", userID).Int64("sessions", removedSessions).Int64("credentials", removedCredentials).Msg("client user deleted")

	return nil
}

func (svc *service) publishStatusChange(ctx context.Context, l types.Locker, previous types.LockerStatus, now time.Time) {
	if previous == l.Status {
		return
	}

	svc.publish(ctx, &types.LockerStatusChanged{
		LockerID:  l.ID,
		Previous:  previous,
		Status:    l.Status,
		Timestamp: now,
	})
}

func (svc *service) publish(ctx context.Context, message messaging.TopicMessage) {
	if err := svc.messenger.PublishOnTopic(ctx, message); err != nil {
		log := logging.GetLoggerFromContext(ctx)
		log.Error().Err(err).Str("topic", message.TopicName()).Msg("failed to publish message")
	}
}
