package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/diwise/locker-mgmt/internal/pkg/application/events"
	"github.com/diwise/locker-mgmt/internal/pkg/application/sessions"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/locker-mgmt/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func TestCheckDoorsFlagsOverdueOnce(t *testing.T) {
	is, ctx, s := testSetup(t)
	door := createAssignedDoor(is, ctx, s, "user-1", t0)

	m, e := testPublisher(), testSender()
	w := New(s, m, e, &sessions.Config{OverdueThreshold: time.Hour}, &Config{Interval: 10 * time.Minute}).(*watchdogImpl)

	wait, err := w.checkDoors(ctx, t0.Add(55*time.Minute))
	is.NoErr(err)
	is.Equal(6*time.Minute, wait)
	is.Equal(0, len(m.PublishOnTopicCalls()))

	d, err := s.GetDoor(ctx, door.ID)
	is.NoErr(err)
	is.Equal(types.DoorOccupied, d.Status)

	_, err = w.checkDoors(ctx, t0.Add(60*time.Minute+59*time.Second))
	is.NoErr(err)
	is.Equal(0, len(m.PublishOnTopicCalls())) // 60 whole minutes is not more than the threshold

	wait, err = w.checkDoors(ctx, t0.Add(61*time.Minute))
	is.NoErr(err)
	is.Equal(10*time.Minute, wait)

	d, err = s.GetDoor(ctx, door.ID)
	is.NoErr(err)
	is.Equal(types.DoorOverdue, d.Status)

	is.Equal(1, len(m.PublishOnTopicCalls()))
	is.Equal("door.overdue", m.PublishOnTopicCalls()[0].Message.TopicName())
	is.Equal(1, len(e.SendCalls()))
	is.Equal(door.ID, e.SendCalls()[0].ID)

	_, err = w.checkDoors(ctx, t0.Add(90*time.Minute))
	is.NoErr(err)
	is.Equal(1, len(m.PublishOnTopicCalls()))
}

func TestCheckDoorsIgnoresAvailableDoors(t *testing.T) {
	is, ctx, s := testSetup(t)

	is.NoErr(s.CreateLocker(ctx, types.Locker{
		ID:           "locker-1",
		LockerNumber: 1,
		Status:       types.LockerAvailable,
		Doors: []types.LockerDoor{
			{ID: "locker-1-door-1", LockerID: "locker-1", DoorNumber: 1, Status: types.DoorAvailable},
		},
	}))

	m := testPublisher()
	w := New(s, m, testSender(), nil, nil).(*watchdogImpl)

	wait, err := w.checkDoors(ctx, t0.Add(48*time.Hour))
	is.NoErr(err)
	is.Equal(DefaultInterval, wait)
	is.Equal(0, len(m.PublishOnTopicCalls()))
}

func TestStartAndStop(t *testing.T) {
	is, ctx, s := testSetup(t)
	createAssignedDoor(is, ctx, s, "user-1", t0)

	published := make(chan string, 1)
	m := &messaging.MsgContextMock{
		PublishOnTopicFunc: func(ctx context.Context, message messaging.TopicMessage) error {
			published <- message.TopicName()
			return nil
		},
	}

	w := New(s, m, testSender(), &sessions.Config{OverdueThreshold: time.Hour}, &Config{Interval: time.Hour},
		WithClock(func() time.Time { return t0.Add(2 * time.Hour) }))

	w.Start(ctx)

	select {
	case topic := <-published:
		is.Equal("door.overdue", topic)
	case <-time.After(5 * time.Second):
		t.Fatal("expected door to be flagged as overdue")
	}

	w.Stop()
}

func TestStopAfterContextIsCancelled(t *testing.T) {
	_, ctx, s := testSetup(t)

	w := New(s, testPublisher(), testSender(), nil, nil)

	ctx, cancel := context.WithCancel(ctx)
	w.Start(ctx)
	cancel()

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stop blocked after the worker exited")
	}
}

func createAssignedDoor(is *is.I, ctx context.Context, s database.Store, userID string, at time.Time) types.LockerDoor {
	door := types.LockerDoor{
		ID:             "locker-1-door-5",
		LockerID:       "locker-1",
		DoorNumber:     5,
		Status:         types.DoorOccupied,
		AssignedUserID: &userID,
		AssignedAt:     &at,
	}

	is.NoErr(s.CreateLocker(ctx, types.Locker{
		ID:           "locker-1",
		LockerNumber: 1,
		Status:       types.LockerAvailable,
		Doors:        []types.LockerDoor{door},
	}))

	_, err := sessions.Open(ctx, s, door.ID, userID, at)
	is.NoErr(err)

	return door
}

func testPublisher() *messaging.MsgContextMock {
	return &messaging.MsgContextMock{
		PublishOnTopicFunc: func(ctx context.Context, message messaging.TopicMessage) error {
			return nil
		},
	}
}

func testSender() *events.EventSenderMock {
	return &events.EventSenderMock{
		SendFunc: func(ctx context.Context, id string, timestamp time.Time, message messaging.TopicMessage) error {
			return nil
		},
	}
}

func testSetup(t *testing.T) (*is.I, context.Context, database.Store) {
	is := is.New(t)
	ctx := context.Background()

	s, err := database.New(ctx, database.NewSQLiteConnector(zerolog.Nop()))
	is.NoErr(err)
	t.Cleanup(func() { s.Close() })

	return is, ctx, s
}
