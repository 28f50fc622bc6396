package sessions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/diwise/locker-mgmt/internal/pkg/application/authz"
	"github.com/diwise/locker-mgmt/internal/pkg/application/status"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/logging"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/metrics"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/locker-mgmt/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/google/uuid"
)

// CurrentDuration returns the whole minutes a session has lasted at now. For
// a completed session the stored duration is returned.
func CurrentDuration(s types.DoorUsageSession, now time.Time) int64 {
	if s.Status == types.SessionCompleted && s.DurationMinutes != nil {
		return *s.DurationMinutes
	}

	return floorMinutes(s.SessionStart, now)
}

// IsOverdue reports whether an active session has lasted longer than the
// threshold, using the same rule that moves its door to overdue.
func IsOverdue(s types.DoorUsageSession, now time.Time, threshold time.Duration) bool {
	if s.Status != types.SessionActive {
		return false
	}

	return status.IsOverdue(s.SessionStart, threshold, now)
}

func floorMinutes(start, end time.Time) int64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int64(math.Floor(d.Minutes()))
}

// Open starts a new active session for the door and user. There may be at
// most one active session per door and per user.
func Open(ctx context.Context, s database.Store, doorID, userID string, now time.Time) (types.DoorUsageSession, error) {
	active, err := s.QuerySessions(ctx, database.WithDoorID(doorID), database.WithSessionStatus(types.SessionActive))
	if err != nil {
		return types.DoorUsageSession{}, err
	}
	if len(active.Data) > 0 {
		return types.DoorUsageSession{}, types.NewError(types.ErrSessionAlreadyActive, "door has an active session", doorID, active.Data[0].ID)
	}

	active, err = s.QuerySessions(ctx, database.WithUserID(userID), database.WithSessionStatus(types.SessionActive))
	if err != nil {
		return types.DoorUsageSession{}, err
	}
	if len(active.Data) > 0 {
		return types.DoorUsageSession{}, types.NewError(types.ErrSessionAlreadyActive, "user has an active session", userID, active.Data[0].ID)
	}

	session := types.DoorUsageSession{
		ID:           uuid.NewString(),
		UserID:       userID,
		DoorID:       doorID,
		SessionStart: now.UTC(),
		Status:       types.SessionActive,
	}

	if err = s.CreateSession(ctx, session); err != nil {
		return types.DoorUsageSession{}, err
	}

	return session, nil
}

// Close completes an active session at now.
func Close(ctx context.Context, s database.Store, sessionID string, now time.Time) (types.DoorUsageSession, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return types.DoorUsageSession{}, err
	}

	return closeSession(ctx, s, session, now)
}

func closeSession(ctx context.Context, s database.Store, session types.DoorUsageSession, now time.Time) (types.DoorUsageSession, error) {
	if session.Status != types.SessionActive {
		return types.DoorUsageSession{}, types.NewError(types.ErrSessionNotActive, "session is already completed", session.ID)
	}

	if now.Before(session.SessionStart) {
		return types.DoorUsageSession{}, types.NewError(types.ErrClockSkew,
			fmt.Sprintf("end %s is before start %s", now.UTC().Format(time.RFC3339), session.SessionStart.UTC().Format(time.RFC3339)), session.ID)
	}

	end := now.UTC()
	duration := floorMinutes(session.SessionStart, end)

	session.SessionEnd = &end
	session.DurationMinutes = &duration
	session.Status = types.SessionCompleted

	if err := s.UpdateSession(ctx, session); err != nil {
		return types.DoorUsageSession{}, err
	}

	return session, nil
}

// ReleaseDoor clears the assignment of a door and closes its active session,
// if there is one. The closed session is returned.
func ReleaseDoor(ctx context.Context, s database.Store, door types.LockerDoor, now time.Time) (*types.DoorUsageSession, error) {
	if door.AssignedUserID == nil {
		return nil, types.NewError(types.ErrDoorNotAssigned, "door has no assigned user", door.ID)
	}

	var closed *types.DoorUsageSession

	active, err := s.QuerySessions(ctx, database.WithDoorID(door.ID), database.WithSessionStatus(types.SessionActive))
	if err != nil {
		return nil, err
	}

	for _, session := range active.Data {
		session, err := closeSession(ctx, s, session, now)
		if err != nil {
			return nil, err
		}
		closed = &session
	}

	if closed == nil {
		log := logging.GetLoggerFromContext(ctx)
		log.Warn().Str("door_id", door.ID).Msg("released door had no active session")
	}

	door.AssignedUserID = nil
	door.AssignedAt = nil
	door.Status = types.DoorAvailable

	if err = s.UpdateDoor(ctx, door); err != nil {
		return nil, err
	}

	return closed, nil
}

type Config struct {
	OverdueThreshold time.Duration `yaml:"overdueThreshold"`
}

// Validate requires the overdue threshold to be a whole number of minutes,
// since session durations are counted in whole minutes.
func (c Config) Validate() error {
	if c.OverdueThreshold < 0 || c.OverdueThreshold%time.Minute != 0 {
		return types.NewValidationError(fmt.Sprintf("overdue threshold %s is not a whole number of minutes", c.OverdueThreshold))
	}
	return nil
}

const DefaultOverdueThreshold = 24 * time.Hour

type Query struct {
	UserID string
	DoorID string
	Status types.SessionStatus
	Offset int
	Limit  int
}

type Tracker interface {
	GetSession(ctx context.Context, caller types.Caller, sessionID string) (types.DoorUsageSession, error)
	Query(ctx context.Context, caller types.Caller, q Query) (types.Collection[types.DoorUsageSession], error)
	Overdue(ctx context.Context, caller types.Caller) ([]types.DoorUsageSession, error)
	EndSession(ctx context.Context, caller types.Caller, sessionID string) (types.DoorUsageSession, error)
}

type tracker struct {
	store     database.Store
	messenger messaging.MsgContext
	auth      authz.Authorizer
	threshold time.Duration
	now       func() time.Time
}

type Option func(*tracker)

func WithClock(now func() time.Time) Option {
	return func(t *tracker) {
		t.now = now
	}
}

func New(s database.Store, m messaging.MsgContext, a authz.Authorizer, cfg *Config, opts ...Option) Tracker {
	t := &tracker{
		store:     s,
		messenger: m,
		auth:      a,
		threshold: DefaultOverdueThreshold,
		now:       time.Now,
	}

	if cfg != nil && cfg.OverdueThreshold > 0 {
		t.threshold = cfg.OverdueThreshold
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *tracker) GetSession(ctx context.Context, caller types.Caller, sessionID string) (types.DoorUsageSession, error) {
	if err := t.auth.Authorize(ctx, caller, authz.ReadSessions); err != nil {
		return types.DoorUsageSession{}, err
	}

	return t.store.GetSession(ctx, sessionID)
}

func (t *tracker) Query(ctx context.Context, caller types.Caller, q Query) (types.Collection[types.DoorUsageSession], error) {
	if err := t.auth.Authorize(ctx, caller, authz.ReadSessions); err != nil {
		return types.Collection[types.DoorUsageSession]{}, err
	}

	conditions := []database.ConditionFunc{database.WithOffset(q.Offset), database.WithLimit(q.Limit)}

	if q.UserID != "" {
		conditions = append(conditions, database.WithUserID(q.UserID))
	}
	if q.DoorID != "" {
		conditions = append(conditions, database.WithDoorID(q.DoorID))
	}
	if q.Status != "" {
		if q.Status != types.SessionActive && q.Status != types.SessionCompleted {
			return types.Collection[types.DoorUsageSession]{}, types.NewValidationError(fmt.Sprintf("unknown session status %q", q.Status))
		}
		conditions = append(conditions, database.WithSessionStatus(q.Status))
	}

	return t.store.QuerySessions(ctx, conditions...)
}

func (t *tracker) Overdue(ctx context.Context, caller types.Caller) ([]types.DoorUsageSession, error) {
	if err := t.auth.Authorize(ctx, caller, authz.ReadSessions); err != nil {
		return nil, err
	}

	active, err := t.store.QuerySessions(ctx, database.WithSessionStatus(types.SessionActive))
	if err != nil {
		return nil, err
	}

	now := t.now()
	overdue := []types.DoorUsageSession{}

	for _, s := range active.Data {
		if IsOverdue(s, now, t.threshold) {
			overdue = append(overdue, s)
		}
	}

	return overdue, nil
}

// EndSession closes an active session. If the session's user still holds the
// door, the door is released in the same transaction.
func (t *tracker) EndSession(ctx context.Context, caller types.Caller, sessionID string) (types.DoorUsageSession, error) {
	if err := t.auth.Authorize(ctx, caller, authz.EndSessions); err != nil {
		return types.DoorUsageSession{}, err
	}

	log := logging.GetLoggerFromContext(ctx)
	now := t.now()

	var closed types.DoorUsageSession
	var released *types.LockerDoor

	err := t.store.WithinTransaction(ctx, func(tx database.Store) error {
		session, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}

		if session.Status != types.SessionActive {
			return types.NewError(types.ErrSessionNotActive, "session is already completed", session.ID)
		}

		door, err := tx.GetDoor(ctx, session.DoorID)
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return err
		}

		if err == nil && door.AssignedUserID != nil && *door.AssignedUserID == session.UserID {
			s, err := ReleaseDoor(ctx, tx, door, now)
			if err != nil {
				return err
			}
			if s == nil {
				return types.NewError(types.ErrSessionNotActive, "door had no active session", door.ID, session.ID)
			}
			closed = *s
			released = &door
			return nil
		}

		closed, err = closeSession(ctx, tx, session, now)
		return err
	})

	metrics.ObserveAssignment("end_session", err)

	if err != nil {
		return types.DoorUsageSession{}, err
	}

	metrics.ObserveSessionClosed(*closed.DurationMinutes)

	if released != nil {
		publish(ctx, t.messenger, &types.DoorReleased{
			DoorID:    released.ID,
			LockerID:  released.LockerID,
			UserID:    closed.UserID,
			Timestamp: now.UTC(),
		})
	}

	publish(ctx, t.messenger, &types.SessionClosed{
		SessionID:       closed.ID,
		DoorID:          closed.DoorID,
		UserID:          closed.UserID,
		DurationMinutes: *closed.DurationMinutes,
		Timestamp:       now.UTC(),
	})

	log.Info().Str("session_id", closed.ID).Int64("duration", *closed.DurationMinutes).Msg("session ended")

	return closed, nil
}

func publish(ctx context.Context, m messaging.MsgContext, message messaging.TopicMessage) {
	if err := m.PublishOnTopic(ctx, message); err != nil {
		log := logging.GetLoggerFromContext(ctx)
		log.Error().Err(err).Str("topic", message.TopicName()).Msg("failed to publish message")
	}
}
