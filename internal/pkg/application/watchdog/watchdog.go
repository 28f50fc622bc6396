package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/diwise/locker-mgmt/internal/pkg/application/events"
	"github.com/diwise/locker-mgmt/internal/pkg/application/sessions"
	"github.com/diwise/locker-mgmt/internal/pkg/application/status"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/logging"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/metrics"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/locker-mgmt/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
)

const DefaultInterval = 5 * time.Minute

type Config struct {
	Interval time.Duration `yaml:"interval"`
}

// Watchdog periodically moves occupied doors whose session has lasted longer
// than the overdue threshold to overdue.
type Watchdog interface {
	Start(ctx context.Context)
	Stop()
}

type watchdogImpl struct {
	store     database.Store
	messenger messaging.MsgContext
	sender    events.EventSender
	threshold time.Duration
	interval  time.Duration
	now       func() time.Time
	done      chan struct{}
	stopOnce  sync.Once
}

type Option func(*watchdogImpl)

func WithClock(now func() time.Time) Option {
	return func(w *watchdogImpl) {
		w.now = now
	}
}

func New(s database.Store, m messaging.MsgContext, e events.EventSender, sessionCfg *sessions.Config, cfg *Config, opts ...Option) Watchdog {
	w := &watchdogImpl{
		store:     s,
		messenger: m,
		sender:    e,
		threshold: sessions.DefaultOverdueThreshold,
		interval:  DefaultInterval,
		now:       time.Now,
		done:      make(chan struct{}),
	}

	if sessionCfg != nil && sessionCfg.OverdueThreshold > 0 {
		w.threshold = sessionCfg.OverdueThreshold
	}

	if cfg != nil && cfg.Interval > 0 {
		w.interval = cfg.Interval
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

func (w *watchdogImpl) Start(ctx context.Context) {
	go w.backgroundWorker(ctx)
}

func (w *watchdogImpl) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *watchdogImpl) backgroundWorker(ctx context.Context) {
	log := logging.GetLoggerFromContext(ctx)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			wait, err := w.checkDoors(ctx, w.now())
			if err != nil {
				log.Error().Err(err).Msg("failed to check doors for overdue sessions")
				wait = w.interval
			}

			log.Debug().Msgf("will check doors again in %s", wait)
			timer.Reset(wait)
		}
	}
}

type overdueDoor struct {
	door  types.LockerDoor
	start time.Time
}

// checkDoors updates the status of every assigned door and returns how long
// to wait until the next door may become overdue, capped at the interval.
func (w *watchdogImpl) checkDoors(ctx context.Context, now time.Time) (time.Duration, error) {
	log := logging.GetLoggerFromContext(ctx)

	wait := w.interval
	overdueCount := 0
	flagged := []overdueDoor{}

	err := w.store.WithinTransaction(ctx, func(tx database.Store) error {
		doors, err := tx.QueryDoors(ctx, database.WithAssigned(true))
		if err != nil {
			return err
		}

		for _, door := range doors.Data {
			start, ok, err := sessionStart(ctx, tx, door)
			if err != nil {
				return err
			}
			if !ok {
				log.Warn().Str("door_id", door.ID).Msg("assigned door has no session start")
				continue
			}

			next := status.NextDoorStatus(door.AssignedUserID, start, w.threshold, now)

			if next == types.DoorOverdue {
				overdueCount++
			} else if until := status.OverdueAt(start, w.threshold).Sub(now); until > 0 && until < wait {
				wait = until
			}

			if next == door.Status {
				continue
			}

			previous := door.Status
			door.Status = next
			if err = tx.UpdateDoor(ctx, door); err != nil {
				return err
			}

			if next == types.DoorOverdue && previous != types.DoorOverdue {
				flagged = append(flagged, overdueDoor{door: door, start: start})
			}
		}

		return nil
	})

	if err != nil {
		return w.interval, err
	}

	metrics.SetOverdueDoors(overdueCount)

	for _, f := range flagged {
		msg := &types.DoorOverdueDetected{
			DoorID:       f.door.ID,
			LockerID:     f.door.LockerID,
			UserID:       *f.door.AssignedUserID,
			SessionStart: f.start,
			Timestamp:    now.UTC(),
		}

		if err := w.messenger.PublishOnTopic(ctx, msg); err != nil {
			log.Error().Err(err).Str("topic", msg.TopicName()).Msg("failed to publish message")
		}

		if err := w.sender.Send(ctx, f.door.ID, now.UTC(), msg); err != nil {
			log.Error().Err(err).Str("door_id", f.door.ID).Msg("failed to send notification")
		}

		log.Info().Str("door_id", f.door.ID).Str("user_id", msg.UserID).Msg("door is overdue")
	}

	return wait, nil
}

func sessionStart(ctx context.Context, s database.Store, door types.LockerDoor) (time.Time, bool, error) {
	active, err := s.QuerySessions(ctx, database.WithDoorID(door.ID), database.WithSessionStatus(types.SessionActive))
	if err != nil {
		return time.Time{}, false, err
	}

	if len(active.Data) > 0 {
		return active.Data[0].SessionStart, true, nil
	}

	if door.AssignedAt != nil {
		return *door.AssignedAt, true, nil
	}

	return time.Time{}, false, nil
}
