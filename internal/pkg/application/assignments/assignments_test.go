package assignments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/diwise/locker-mgmt/internal/pkg/application/authz"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/locker-mgmt/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

var admin = types.Caller{UserID: "admin-1", Role: types.RoleAdmin}

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func TestAssigningDeviceToLockerWithoutClientKeepsItAvailable(t *testing.T) {
	is, ctx, f := testSetup(t)

	f.createLocker("locker-101", 101, nil, 2)
	f.createDevice("device-1")

	l, err := f.svc.AssignDeviceToLocker(ctx, admin, "locker-101", "device-1")
	is.NoErr(err)
	is.Equal(types.LockerAvailable, l.Status)
	is.Equal("device-1", *l.DeviceID)

	d, err := f.store.GetDevice(ctx, "device-1")
	is.NoErr(err)
	is.Equal("locker-101", *d.LockerID)

	is.Equal(1, len(f.messenger.PublishOnTopicCalls()))
	is.Equal("locker.deviceAssigned", f.messenger.PublishOnTopicCalls()[0].Message.TopicName())

	f.checkInvariants()
}

func TestAssigningDeviceToClientLockerMovesItOnsite(t *testing.T) {
	is, ctx, f := testSetup(t)

	f.createClient("client-1")
	f.createLocker("locker-1", 1, strptr("client-1"), 2)
	f.createDevice("device-1")

	l, err := f.svc.AssignDeviceToLocker(ctx, admin, "locker-1", "device-1")
	is.NoErr(err)
	is.Equal(types.LockerOnsite, l.Status)
	is.Equal("On site", l.StatusLabel)

	calls := f.messenger.PublishOnTopicCalls()
	is.Equal(2, len(calls))
	changed := calls[1].Message.(*types.LockerStatusChanged)
	is.Equal(types.LockerNoDeviceYet, changed.Previous)
	is.Equal(types.LockerOnsite, changed.Status)

	f.checkInvariants()
}

func TestAssigningDeviceLinkedElsewhereFails(t *testing.T) {
	is, ctx, f := testSetup(t)

	f.createLocker("locker-1", 1, nil, 1)
	f.createLocker("locker-2", 2, nil, 1)
	f.createDevice("device-1")

	_, err := f.svc.AssignDeviceToLocker(ctx, admin, "locker-1", "device-1")
	is.NoErr(err)

	_, err = f.svc.AssignDeviceToLocker(ctx, admin, "locker-2", "device-1")
	is.True(errors.Is(err, types.ErrAlreadyAssigned))
	is.Equal([]string{"device-1", "locker-1"}, types.IDs(err))

	f.createDevice("device-2")
	_, err = f.svc.AssignDeviceToLocker(ctx, admin, "locker-1", "device-2")
	is.True(errors.Is(err, types.ErrAlreadyAssigned))

	l, err := f.store.GetLocker(ctx, "locker-2")
	is.NoErr(err)
	is.True(l.DeviceID == nil)

	f.checkInvariants()
}

func TestConcurrentDeviceAssignmentsOnlyOneSucceeds(t *testing.T) {
	is, ctx, f := testSetup(t)

	f.createLocker("locker-1", 1, nil, 1)
	f.createLocker("locker-2", 2, nil, 1)
	f.createDevice("device-1")

	errs := concurrently(
		func() error {
			_, err := f.svc.AssignDeviceToLocker(ctx, admin, "locker-1", "device-1")
			return err
		},
		func() error {
			_, err := f.svc.AssignDeviceToLocker(ctx, admin, "locker-2", "device-1")
			return err
		},
	)

	is.Equal(1, countNil(errs))
	for _, err := range errs {
		is.True(err == nil || errors.Is(err, types.ErrAlreadyAssigned))
	}

	d, err := f.store.GetDevice(ctx, "device-1")
	is.NoErr(err)
	is.True(d.LockerID != nil)

	f.checkInvariants()
}

func TestReassigningSamePairIsNoop(t *testing.T) {
	is, ctx, f := testSetup(t)

	f.createLocker("locker-1", 1, nil, 1)
	f.createDevice("device-1")

	_, err := f.svc.AssignDeviceToLocker(ctx, admin, "locker-1", "device-1")
	is.NoErr(err)

	l, err := f.svc.AssignDeviceToLocker(ctx, admin, "locker-1", "device-1")
	is.NoErr(err)
	is.Equal("device-1", *l.DeviceID)
	is.Equal(1, len(f.messenger.PublishOnTopicCalls()))
}

func TestDeviceAssignUnassignRoundTrip(t *testing.T) {
	is, ctx, f := testSetup(t)

	f.createClient("client-1")
	f.createLocker("locker-1", 1, strptr("client-1"), 1)
	f.createDevice("device-1")

	before, err := f.store.GetLocker(ctx, "locker-1")
	is.NoErr(err)

	_, err = f.svc.AssignDeviceToLocker(ctx, admin, "locker-1", "device-1")
	is.NoErr(err)
	f.checkInvariants()

	f.clock = t0.Add(time.Hour)
	after, err := f.svc.UnassignDeviceFromLocker(ctx, admin, "locker-1")
	is.NoErr(err)

	is.Equal(before.Status, after.Status)
	is.True(after.DeviceID == nil)
	is.True(after.ReleasedAt.Equal(t0.Add(time.Hour)))

	d, err := f.store.GetDevice(ctx, "device-1")
	is.NoErr(err)
	is.True(d.LockerID == nil)

	_, err = f.svc.UnassignDeviceFromLocker(ctx, admin, "locker-1")
	is.True(errors.Is(err, types.ErrNotAssigned))

	f.checkInvariants()
}

func TestUnassigningDevicePreservesAdministrativeStatus(t *testing.T) {
	is, ctx, f := testSetup(t)

	f.createClient("client-1")
	f.createLocker("locker-1", 1, strptr("client-1"), 1)
	f.createDevice("device-1")

	_, err := f.svc.AssignDeviceToLocker(ctx, admin, "locker-1", "device-1")
	is.NoErr(err)

	l, err := f.store.GetLocker(ctx, "locker-1")
	is.NoErr(err)
	l.Status = types.LockerUnderMaintenance
	is.NoErr(f.store.UpdateLocker(ctx, l))

	after, err := f.svc.UnassignDeviceFromLocker(ctx, admin, "locker-1")
	is.NoErr(err)
	is.Equal(types.LockerUnderMaintenance, after.Status)
}

func TestDoorAssignmentAndReleaseComputesDuration(t *testing.T) {
	is, ctx, f := testSetup(t)

	f.createClient("client-1")
	f.createLocker("locker-1", 1, strptr("client-1"), 5)
	f.createUser("user-1", "client-1", true)
	doorID := "locker-1-door-5"

	door, session, err := f.svc.AssignDoorToUser(ctx, admin, doorID, "user-1")
	is.NoErr(err)
	is.Equal(types.DoorOccupied, door.Status)
	is.Equal("user-1", *door.AssignedUserID)
	is.True(session.SessionStart.Equal(t0))
	is.Equal(types.SessionActive, session.Status)
	f.checkInvariants()

	f.clock = t0.Add(90 * time.Minute)

	door, closed, err := f.svc.UnassignDoorFromUser(ctx, admin, doorID)
	is.NoErr(err)
	is.Equal(types.DoorAvailable, door.Status)
	is.True(door.AssignedUserID == nil)
	is.Equal(int64(90), *closed.DurationMinutes)

	fromDb, err := f.store.GetSession(ctx, session.ID)
	is.NoErr(err)
	is.Equal(types.SessionCompleted, fromDb.Status)
	is.Equal(int64(90), *fromDb.DurationMinutes)
	is.True(fromDb.SessionEnd.Equal(t0.Add(90 * time.Minute)))

	topics := []string{}
	for _, c := range f.messenger.PublishOnTopicCalls() {
		topics = append(topics, c.Message.TopicName())
	}
	is.Equal([]string{"door.assigned", "door.released", "session.closed"}, topics)

	f.checkInvariants()
}

func TestAssigningOccupiedDoorFails(t *testing.T) {
	is, ctx, f := testSetup(t)

	f.createClient("client-1")
	f.createLocker("locker-1", 1, strptr("client-1"), 2)
	f.createUser("user-1", "client-1", true)
	f.createUser("user-2", "client-1", true)

	_, _, err := f.svc.AssignDoorToUser(ctx, admin, "locker-1-door-1", "user-1")
	is.NoErr(err)

	_, _, err = f.svc.AssignDoorToUser(ctx, admin, "locker-1-door-1", "user-2")
	is.True(errors.Is(err, types.ErrDoorUnavailable))

	door, err := f.store.GetDoor(ctx, "locker-1-door-1")
	is.NoErr(err)
	is.Equal("user-1", *door.AssignedUserID)

	f.checkInvariants()
}

func TestUserMayOnlyHoldOneDoor(t *testing.T) {
	is, ctx, f := testSetup(t)

	f.createClient("client-1")
	f.createLocker("locker-1", 1, strptr("client-1"), 2)
	f.createUser("user-1", "client-1", true)

	_, _, err := f.svc.AssignDoorToUser(ctx, admin, "locker-1-door-1", "user-1")
	is.NoErr(err)

	_, _, err = f.svc.AssignDoorToUser(ctx, admin, "locker-1-door-2", "user-1")
	is.True(errors.Is(err, types.ErrUserAlreadyAssigned))

	f.checkInvariants()
}

func TestConcurrentDoorAssignmentsForSameUserOnlyOneSucceeds(t *testing.T) {
	is, ctx, f := testSetup(t)

	f.createClient("client-1")
	f.createLocker("locker-1", 1, strptr("client-1"), 2)
	f.createUser("user-1", "client-1", true)

	errs := concurrently(
		func() error {
			_, _, err := f.svc.AssignDoorToUser(ctx, admin, "locker-1-door-1", "user-1")
			return err
		},
		func() error {
			_, _, err := f.svc.AssignDoorToUser(ctx, admin, "locker-1-door-2", "user-1")
			return err
		},
	)

	is.Equal(1, countNil(errs))
	for _, err := range errs {
		is.True(err == nil || errors.Is(err, types.ErrUserAlreadyAssigned))
	}

	held, err := f.store.QueryDoors(ctx, database.WithUserID("user-1"))
	is.NoErr(err)
	is.Equal(1, len(held.Data))

	f.checkInvariants()
}

func TestUnassigningTwiceFails(t *testing.T) {
	is, ctx, f := testSetup(t)

	f.createClient("client-1")
	f.createLocker("locker-1", 1, strptr("client-1"), 1)
	f.createUser("user-1", "client-1", true)

	_, _, err := f.svc.AssignDoorToUser(ctx, admin, "locker-1-door-1", "user-1")
	is.NoErr(err)

	_, _, err = f.svc.UnassignDoorFromUser(ctx, admin, "locker-1-door-1")
	is.NoErr(err)

	_, _, err = f.svc.UnassignDoorFromUser(ctx, admin, "locker-1-door-1")
	is.True(errors.Is(err, types.ErrDoorNotAssigned))
}

func TestUnassignBeforeAssignmentTimeIsClockSkew(t *testing.T) {
	is, ctx, f := testSetup(t)

	f.createClient("client-1")
	f.createLocker("locker-1", 1, strptr("client-1"), 1)
	f.createUser("user-1", "client-1", true)

	_, _, err := f.svc.AssignDoorToUser(ctx, admin, "locker-1-door-1", "user-1")
	is.NoErr(err)

	f.clock = t0.Add(-time.Minute)
	_, _, err = f.svc.UnassignDoorFromUser(ctx, admin, "locker-1-door-1")
	is.True(errors.Is(err, types.ErrClockSkew))

	// nothing was applied
	door, err := f.store.GetDoor(ctx, "locker-1-door-1")
	is.NoErr(err)
	is.Equal(types.DoorOccupied, door.Status)

	f.checkInvariants()
}

func TestDoorAssignmentValidatesUser(t *testing.T) {
	is, ctx, f := testSetup(t)

	f.createClient("client-1")
	f.createClient("client-2")
	f.createLocker("locker-1", 1, strptr("client-1"), 1)
	f.createUser("inactive", "client-1", false)
	f.createUser("stranger", "client-2", true)

	_, _, err := f.svc.AssignDoorToUser(ctx, admin, "locker-1-door-1", "inactive")
	is.True(errors.Is(err, types.ErrValidation))

	_, _, err = f.svc.AssignDoorToUser(ctx, admin, "locker-1-door-1", "stranger")
	is.True(errors.Is(err, types.ErrValidation))

	_, _, err = f.svc.AssignDoorToUser(ctx, admin, "no-such-door", "stranger")
	is.True(errors.Is(err, types.ErrNotFound))
}

func TestDeleteClientUserWithDoorFails(t *testing.T) {
	is, ctx, f := testSetup(t)

	f.createClient("client-1")
	f.createLocker("locker-1", 1, strptr("client-1"), 1)
	f.createUser("user-1", "client-1", true)
	is.NoErr(f.store.SaveCredential(ctx, types.UserCredential{ID: "cred-1", UserID: "user-1", MethodType: "code", CredentialHash: "x", IsActive: true}))

	_, _, err := f.svc.AssignDoorToUser(ctx, admin, "locker-1-door-1", "user-1")
	is.NoErr(err)

	err = f.svc.DeleteClientUser(ctx, admin, "user-1")
	is.True(errors.Is(err, types.ErrHasActiveAssignment))

	_, err = f.store.GetClientUser(ctx, "user-1")
	is.NoErr(err)

	f.clock = t0.Add(time.Hour)
	_, _, err = f.svc.UnassignDoorFromUser(ctx, admin, "locker-1-door-1")
	is.NoErr(err)

	err = f.svc.DeleteClientUser(ctx, admin, "user-1")
	is.NoErr(err)

	_, err = f.store.GetClientUser(ctx, "user-1")
	is.True(errors.Is(err, types.ErrNotFound))

	credentials, err := f.store.QueryCredentials(ctx, database.WithUserID("user-1"))
	is.NoErr(err)
	is.Equal(0, len(credentials))

	sessions, err := f.store.QuerySessions(ctx, database.WithUserID("user-1"))
	is.NoErr(err)
	is.Equal(0, len(sessions.Data))
}

func TestLockerClientAssignment(t *testing.T) {
	is, ctx, f := testSetup(t)

	f.createClient("client-1")
	f.createClient("client-2")
	f.createLocker("locker-1", 1, nil, 1)
	f.createUser("user-1", "client-1", true)

	l, err := f.svc.AssignLockerToClient(ctx, admin, "locker-1", "client-1")
	is.NoErr(err)
	is.Equal(types.LockerNoDeviceYet, l.Status)

	_, err = f.svc.AssignLockerToClient(ctx, admin, "locker-1", "client-2")
	is.True(errors.Is(err, types.ErrAlreadyAssigned))

	_, _, err = f.svc.AssignDoorToUser(ctx, admin, "locker-1-door-1", "user-1")
	is.NoErr(err)

	_, err = f.svc.ReleaseLockerFromClient(ctx, admin, "locker-1")
	is.True(errors.Is(err, types.ErrHasActiveAssignment))

	_, _, err = f.svc.UnassignDoorFromUser(ctx, admin, "locker-1-door-1")
	is.NoErr(err)

	l, err = f.svc.ReleaseLockerFromClient(ctx, admin, "locker-1")
	is.NoErr(err)
	is.Equal(types.LockerAvailable, l.Status)
	is.True(l.ClientID == nil)

	_, err = f.svc.ReleaseLockerFromClient(ctx, admin, "locker-1")
	is.True(errors.Is(err, types.ErrNotAssigned))

	f.checkInvariants()
}

func TestOperationsAreAuthorized(t *testing.T) {
	is, ctx, f := testSetup(t)

	f.createLocker("locker-1", 1, nil, 1)
	f.createDevice("device-1")

	deny := &authz.AuthorizerMock{
		AuthorizeFunc: func(ctx context.Context, caller types.Caller, action authz.Action) error {
			return types.NewError(types.ErrForbidden, "denied", caller.UserID)
		},
	}
	svc := New(f.store, f.messenger, deny)

	viewer := types.Caller{UserID: "viewer-1", Role: types.RoleViewer}

	_, err := svc.AssignDeviceToLocker(ctx, viewer, "locker-1", "device-1")
	is.True(errors.Is(err, types.ErrForbidden))
	is.Equal(authz.AssignDevices, deny.AuthorizeCalls()[0].Action)
	is.Equal("viewer-1", deny.AuthorizeCalls()[0].Caller.UserID)

	d, err := f.store.GetDevice(ctx, "device-1")
	is.NoErr(err)
	is.True(d.LockerID == nil)
}

type fixture struct {
	is        *is.I
	ctx       context.Context
	store     database.Store
	messenger *messaging.MsgContextMock
	svc       AssignmentService
	clock     time.Time
}

func (f *fixture) createClient(id string) {
	f.is.NoErr(f.store.CreateClient(f.ctx, types.Client{ID: id, Name: "Client " + id}))
}

func (f *fixture) createDevice(id string) {
	f.is.NoErr(f.store.CreateDevice(f.ctx, types.Device{ID: id, Manufacturer: "Samsung", Model: "Galaxy Tab"}))
}

func (f *fixture) createUser(id, clientID string, active bool) {
	f.is.NoErr(f.store.CreateClientUser(f.ctx, types.ClientUser{
		ID:       id,
		ClientID: clientID,
		FullName: "User " + id,
		Email:    id + "@example.com",
		IsActive: active,
	}))
}

func (f *fixture) createLocker(id string, number int, clientID *string, doorCount int) {
	l := types.Locker{
		ID:           id,
		LockerNumber: number,
		Status:       types.LockerAvailable,
		ClientID:     clientID,
	}

	if clientID != nil {
		l.Status = types.LockerNoDeviceYet
	}

	for i := 1; i <= doorCount; i++ {
		l.Doors = append(l.Doors, types.LockerDoor{
			ID:         fmt.Sprintf("%s-door-%d", id, i),
			LockerID:   id,
			DoorNumber: i,
			Status:     types.DoorAvailable,
		})
	}

	f.is.NoErr(f.store.CreateLocker(f.ctx, l))
}

// checkInvariants verifies the links between lockers, devices, doors and
// users that every operation must preserve.
func (f *fixture) checkInvariants() {
	is := f.is

	lockers, err := f.store.QueryLockers(f.ctx)
	is.NoErr(err)

	for _, l := range lockers.Data {
		if l.DeviceID != nil {
			d, err := f.store.GetDevice(f.ctx, *l.DeviceID)
			is.NoErr(err)
			is.True(d.LockerID != nil && *d.LockerID == l.ID) // device must point back to locker
		}
	}

	devices, err := f.store.QueryDevices(f.ctx, database.WithAssigned(true))
	is.NoErr(err)

	for _, d := range devices.Data {
		l, err := f.store.GetLocker(f.ctx, *d.LockerID)
		is.NoErr(err)
		is.True(l.DeviceID != nil && *l.DeviceID == d.ID) // locker must point back to device
	}

	doors, err := f.store.QueryDoors(f.ctx)
	is.NoErr(err)

	holders := map[string]int{}
	for _, d := range doors.Data {
		assigned := d.AssignedUserID != nil
		occupied := d.Status == types.DoorOccupied || d.Status == types.DoorOverdue
		is.Equal(assigned, occupied) // assigned user iff occupied or overdue

		if assigned {
			holders[*d.AssignedUserID]++
			is.Equal(1, holders[*d.AssignedUserID]) // one door per user
		}
	}
}

// concurrently runs every fn in its own goroutine and returns their errors
// once all of them are done.
func concurrently(fns ...func() error) []error {
	errs := make([]error, len(fns))

	var wg sync.WaitGroup
	start := make(chan struct{})

	for idx, fn := range fns {
		wg.Add(1)
		go func(idx int, fn func() error) {
			defer wg.Done()
			<-start
			errs[idx] = fn()
		}(idx, fn)
	}

	close(start)
	wg.Wait()

	return errs
}

func countNil(errs []error) int {
	n := 0
	for _, err := range errs {
		if err == nil {
			n++
		}
	}
	return n
}

func strptr(s string) *string {
	return &s
}

func testSetup(t *testing.T) (*is.I, context.Context, *fixture) {
	is := is.New(t)
	ctx := context.Background()

	s, err := database.New(ctx, database.NewSQLiteConnector(zerolog.Nop()))
	is.NoErr(err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		is:    is,
		ctx:   ctx,
		store: s,
		messenger: &messaging.MsgContextMock{
			PublishOnTopicFunc: func(ctx context.Context, message messaging.TopicMessage) error {
				return nil
			},
		},
		clock: t0,
	}

	allow := &authz.AuthorizerMock{
		AuthorizeFunc: func(ctx context.Context, caller types.Caller, action authz.Action) error {
			return nil
		},
	}

	f.svc = New(s, f.messenger, allow, WithClock(func() time.Time { return f.clock }))

	return is, ctx, f
}
