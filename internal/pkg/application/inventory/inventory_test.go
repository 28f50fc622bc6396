package inventory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/diwise/locker-mgmt/internal/pkg/application/authz"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/locker-mgmt/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

var admin = types.Caller{UserID: "admin-1", Role: types.RoleAdmin}

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func TestCreateLockerWithoutClientIsAvailable(t *testing.T) {
	is, ctx, inv, _ := testSetup(t)

	l, err := inv.CreateLocker(ctx, admin, NewLocker{LockerNumber: 101, DoorCount: 12})
	is.NoErr(err)
	is.Equal(types.LockerAvailable, l.Status)
	is.Equal(12, len(l.Doors))
	is.Equal(1, l.Doors[0].DoorNumber)
	is.Equal(12, l.Doors[11].DoorNumber)
	is.True(l.StatusLabel != "")

	fromDb, err := inv.GetLocker(ctx, admin, l.ID)
	is.NoErr(err)
	is.Equal(12, len(fromDb.Doors))
	for _, d := range fromDb.Doors {
		is.Equal(types.DoorAvailable, d.Status)
		is.True(d.AssignedUserID == nil)
	}
}

func TestCreateLockerForClientHasNoDeviceYet(t *testing.T) {
	is, ctx, inv, _ := testSetup(t)

	c, err := inv.CreateClient(ctx, admin, types.Client{Name: "Acme"})
	is.NoErr(err)

	l, err := inv.CreateLocker(ctx, admin, NewLocker{LockerNumber: 7, DoorCount: 4, ClientID: &c.ID})
	is.NoErr(err)
	is.Equal(types.LockerNoDeviceYet, l.Status)
	is.Equal(c.ID, *l.ClientID)
	is.True(l.AssignedAt != nil)
}

func TestCreateLockerValidation(t *testing.T) {
	is, ctx, inv, _ := testSetup(t)

	_, err := inv.CreateLocker(ctx, admin, NewLocker{LockerNumber: 1, DoorCount: 0})
	is.True(errors.Is(err, types.ErrValidation))

	_, err = inv.CreateLocker(ctx, admin, NewLocker{LockerNumber: 1, DoorCount: MaxDoorCount + 1})
	is.True(errors.Is(err, types.ErrValidation))

	_, err = inv.CreateLocker(ctx, admin, NewLocker{LockerNumber: 0, DoorCount: 2})
	is.True(errors.Is(err, types.ErrValidation))

	_, err = inv.CreateLocker(ctx, admin, NewLocker{LockerNumber: 1, DoorCount: 2})
	is.NoErr(err)

	_, err = inv.CreateLocker(ctx, admin, NewLocker{LockerNumber: 1, DoorCount: 2})
	is.True(errors.Is(err, types.ErrValidation)) // duplicate number

	unknown := "no-such-client"
	_, err = inv.CreateLocker(ctx, admin, NewLocker{LockerNumber: 2, DoorCount: 2, ClientID: &unknown})
	is.True(errors.Is(err, types.ErrNotFound))
}

func TestQueryLockers(t *testing.T) {
	is, ctx, inv, _ := testSetup(t)

	c, err := inv.CreateClient(ctx, admin, types.Client{Name: "Acme"})
	is.NoErr(err)

	_, err = inv.CreateLocker(ctx, admin, NewLocker{LockerNumber: 1, DoorCount: 1})
	is.NoErr(err)
	_, err = inv.CreateLocker(ctx, admin, NewLocker{LockerNumber: 2, DoorCount: 1})
	is.NoErr(err)
	_, err = inv.CreateLocker(ctx, admin, NewLocker{LockerNumber: 3, DoorCount: 1, ClientID: &c.ID})
	is.NoErr(err)

	available, err := inv.QueryLockers(ctx, admin, LockerQuery{Statuses: []types.LockerStatus{types.LockerAvailable}})
	is.NoErr(err)
	is.Equal(uint64(2), available.TotalCount)

	ready, err := inv.QueryLockers(ctx, admin, LockerQuery{DispatchReady: true})
	is.NoErr(err)
	is.Equal(uint64(3), ready.TotalCount)

	forClient, err := inv.QueryLockers(ctx, admin, LockerQuery{ClientID: c.ID})
	is.NoErr(err)
	is.Equal(1, len(forClient.Data))
	is.Equal(3, forClient.Data[0].LockerNumber)

	paged, err := inv.QueryLockers(ctx, admin, LockerQuery{Limit: 1, Offset: 1})
	is.NoErr(err)
	is.Equal(1, len(paged.Data))
	is.Equal(uint64(3), paged.TotalCount)

	_, err = inv.QueryLockers(ctx, admin, LockerQuery{Statuses: []types.LockerStatus{"lost"}})
	is.True(errors.Is(err, types.ErrValidation))
}

func TestSetLockerStatus(t *testing.T) {
	is, ctx, inv, m := testSetup(t)

	l, err := inv.CreateLocker(ctx, admin, NewLocker{LockerNumber: 1, DoorCount: 1})
	is.NoErr(err)

	l, err = inv.SetLockerStatus(ctx, admin, l.ID, types.LockerUnderMaintenance)
	is.NoErr(err)
	is.Equal(types.LockerUnderMaintenance, l.Status)
	is.Equal(1, len(m.PublishOnTopicCalls()))
	is.Equal("locker.statusChanged", m.PublishOnTopicCalls()[0].Message.TopicName())

	l, err = inv.SetLockerStatus(ctx, admin, l.ID, types.LockerUnderMaintenance)
	is.NoErr(err)
	is.Equal(1, len(m.PublishOnTopicCalls())) // unchanged status is not published

	_, err = inv.SetLockerStatus(ctx, admin, l.ID, types.LockerReceivedByClient)
	is.True(errors.Is(err, types.ErrInvalidStatusTransition))
	is.Equal(l.ID, types.IDs(err)[len(types.IDs(err))-1])

	fromDb, err := inv.GetLocker(ctx, admin, l.ID)
	is.NoErr(err)
	is.Equal(types.LockerUnderMaintenance, fromDb.Status)

	_, err = inv.SetLockerStatus(ctx, admin, l.ID, "lost")
	is.True(errors.Is(err, types.ErrValidation))

	_, err = inv.SetLockerStatus(ctx, admin, "no-such-locker", types.LockerAvailable)
	is.True(errors.Is(err, types.ErrNotFound))
}

func TestDeleteLocker(t *testing.T) {
	is, ctx, inv, _ := testSetup(t)
	s := inv.(*inventory).store

	l, err := inv.CreateLocker(ctx, admin, NewLocker{LockerNumber: 1, DoorCount: 2})
	is.NoErr(err)

	door := l.Doors[0]
	user := "user-1"
	door.AssignedUserID = &user
	door.Status = types.DoorOccupied
	is.NoErr(s.UpdateDoor(ctx, door))

	err = inv.DeleteLocker(ctx, admin, l.ID)
	is.True(errors.Is(err, types.ErrHasActiveAssignment))

	door.AssignedUserID = nil
	door.Status = types.DoorAvailable
	is.NoErr(s.UpdateDoor(ctx, door))

	is.NoErr(inv.DeleteLocker(ctx, admin, l.ID))

	_, err = inv.GetLocker(ctx, admin, l.ID)
	is.True(errors.Is(err, types.ErrNotFound))

	_, err = inv.GetDoor(ctx, admin, door.ID)
	is.True(errors.Is(err, types.ErrNotFound))
}

func TestDeleteLockerWithDevice(t *testing.T) {
	is, ctx, inv, _ := testSetup(t)
	s := inv.(*inventory).store

	l, err := inv.CreateLocker(ctx, admin, NewLocker{LockerNumber: 1, DoorCount: 1})
	is.NoErr(err)

	dev, err := inv.CreateDevice(ctx, admin, types.Device{Manufacturer: "Samsung", Model: "A52"})
	is.NoErr(err)

	locker, err := s.GetLocker(ctx, l.ID)
	is.NoErr(err)
	locker.DeviceID = &dev.ID
	is.NoErr(s.UpdateLocker(ctx, locker))

	err = inv.DeleteLocker(ctx, admin, l.ID)
	is.True(errors.Is(err, types.ErrAlreadyAssigned))
}

func TestClients(t *testing.T) {
	is, ctx, inv, _ := testSetup(t)

	_, err := inv.CreateClient(ctx, admin, types.Client{Name: "   "})
	is.True(errors.Is(err, types.ErrValidation))

	_, err = inv.CreateClient(ctx, admin, types.Client{Name: "Acme", Email: "not-an-email"})
	is.True(errors.Is(err, types.ErrValidation))

	c, err := inv.CreateClient(ctx, admin, types.Client{Name: " Acme ", Location: "Sundsvall"})
	is.NoErr(err)
	is.Equal("Acme", c.Name)

	c.Location = "Härnösand"
	_, err = inv.UpdateClient(ctx, admin, c)
	is.NoErr(err)

	fromDb, err := inv.GetClient(ctx, admin, c.ID)
	is.NoErr(err)
	is.Equal("Härnösand", fromDb.Location)

	_, err = inv.UpdateClient(ctx, admin, types.Client{ID: "no-such-client", Name: "X"})
	is.True(errors.Is(err, types.ErrNotFound))

	all, err := inv.QueryClients(ctx, admin, 0, 10)
	is.NoErr(err)
	is.Equal(uint64(1), all.TotalCount)
}

func TestDevices(t *testing.T) {
	is, ctx, inv, _ := testSetup(t)

	lockerID := "locker-1"
	_, err := inv.CreateDevice(ctx, admin, types.Device{Manufacturer: "Samsung", Model: "A52", LockerID: &lockerID})
	is.True(errors.Is(err, types.ErrValidation))

	_, err = inv.CreateDevice(ctx, admin, types.Device{Model: "A52"})
	is.True(errors.Is(err, types.ErrValidation))

	d, err := inv.CreateDevice(ctx, admin, types.Device{ID: "dev-1", Manufacturer: "Samsung", Model: "A52"})
	is.NoErr(err)
	is.Equal("dev-1", d.ID)

	_, err = inv.CreateDevice(ctx, admin, types.Device{ID: "dev-1", Manufacturer: "Samsung", Model: "A52"})
	is.True(errors.Is(err, types.ErrValidation))

	unlinked := false
	free, err := inv.QueryDevices(ctx, admin, DeviceQuery{Linked: &unlinked})
	is.NoErr(err)
	is.Equal(1, len(free.Data))
}

func TestClientUsers(t *testing.T) {
	is, ctx, inv, _ := testSetup(t)

	_, err := inv.CreateClientUser(ctx, admin, types.ClientUser{ClientID: "no-such-client", FullName: "Jane", Email: "jane@acme.se"})
	is.True(errors.Is(err, types.ErrNotFound))

	c, err := inv.CreateClient(ctx, admin, types.Client{Name: "Acme"})
	is.NoErr(err)

	u, err := inv.CreateClientUser(ctx, admin, types.ClientUser{ClientID: c.ID, FullName: "Jane", Email: " Jane@Acme.se ", IsActive: true})
	is.NoErr(err)
	is.Equal("jane@acme.se", u.Email)

	_, err = inv.CreateClientUser(ctx, admin, types.ClientUser{ClientID: c.ID, FullName: "Jane Again", Email: "jane@acme.se"})
	is.True(errors.Is(err, types.ErrValidation))

	_, err = inv.CreateClientUser(ctx, admin, types.ClientUser{ClientID: c.ID, FullName: "Bob", Email: "bob"})
	is.True(errors.Is(err, types.ErrValidation))

	users, err := inv.QueryClientUsers(ctx, admin, c.ID, 0, 0)
	is.NoErr(err)
	is.Equal(1, len(users.Data))

	fromDb, err := inv.GetClientUser(ctx, admin, u.ID)
	is.NoErr(err)
	is.Equal("Jane", fromDb.FullName)
}

func TestUpdateClientUser(t *testing.T) {
	is, ctx, inv, _ := testSetup(t)

	c, err := inv.CreateClient(ctx, admin, types.Client{Name: "Acme"})
	is.NoErr(err)
	other, err := inv.CreateClient(ctx, admin, types.Client{Name: "Other"})
	is.NoErr(err)

	jane, err := inv.CreateClientUser(ctx, admin, types.ClientUser{ClientID: c.ID, FullName: "Jane", Email: "jane@acme.se", IsActive: true})
	is.NoErr(err)
	_, err = inv.CreateClientUser(ctx, admin, types.ClientUser{ClientID: c.ID, FullName: "Bob", Email: "bob@acme.se", IsActive: true})
	is.NoErr(err)

	u, err := inv.UpdateClientUser(ctx, admin, jane.ID, types.ClientUser{FullName: " Jane Doe ", Email: "Jane.Doe@Acme.se", Department: "IT", IsActive: false})
	is.NoErr(err)
	is.Equal(jane.ID, u.ID)
	is.Equal(c.ID, u.ClientID)
	is.Equal("jane.doe@acme.se", u.Email)
	is.True(!u.IsActive)

	fromDb, err := inv.GetClientUser(ctx, admin, jane.ID)
	is.NoErr(err)
	is.Equal("Jane Doe", fromDb.FullName)
	is.Equal("IT", fromDb.Department)
	is.True(!fromDb.IsActive)
	is.True(fromDb.CreatedAt.Equal(jane.CreatedAt))

	// keeping the own email is not a conflict
	_, err = inv.UpdateClientUser(ctx, admin, jane.ID, types.ClientUser{FullName: "Jane Doe", Email: "jane.doe@acme.se", IsActive: true})
	is.NoErr(err)

	_, err = inv.UpdateClientUser(ctx, admin, jane.ID, types.ClientUser{FullName: "Jane Doe", Email: "bob@acme.se"})
	is.True(errors.Is(err, types.ErrValidation))

	_, err = inv.UpdateClientUser(ctx, admin, jane.ID, types.ClientUser{ClientID: other.ID, FullName: "Jane Doe", Email: "jane.doe@acme.se"})
	is.True(errors.Is(err, types.ErrValidation))

	_, err = inv.UpdateClientUser(ctx, admin, jane.ID, types.ClientUser{FullName: "", Email: "jane.doe@acme.se"})
	is.True(errors.Is(err, types.ErrValidation))

	_, err = inv.UpdateClientUser(ctx, admin, "no-such-user", types.ClientUser{FullName: "Nobody", Email: "nobody@acme.se"})
	is.True(errors.Is(err, types.ErrNotFound))
}

func TestCredentials(t *testing.T) {
	is, ctx, inv, _ := testSetup(t)

	c, err := inv.CreateClient(ctx, admin, types.Client{Name: "Acme"})
	is.NoErr(err)
	u, err := inv.CreateClientUser(ctx, admin, types.ClientUser{ClientID: c.ID, FullName: "Jane", Email: "jane@acme.se", IsActive: true})
	is.NoErr(err)

	_, err = inv.SetCredential(ctx, admin, u.ID, "pin", "12")
	is.True(errors.Is(err, types.ErrValidation))

	cred, err := inv.SetCredential(ctx, admin, u.ID, "pin", "1234")
	is.NoErr(err)
	is.True(cred.CredentialHash != "1234")

	ok, err := inv.VerifyCredential(ctx, admin, u.ID, "pin", "1234")
	is.NoErr(err)
	is.True(ok)

	ok, err = inv.VerifyCredential(ctx, admin, u.ID, "pin", "4321")
	is.NoErr(err)
	is.True(!ok)

	_, err = inv.SetCredential(ctx, admin, u.ID, "pin", "9999")
	is.NoErr(err)

	ok, err = inv.VerifyCredential(ctx, admin, u.ID, "pin", "1234")
	is.NoErr(err)
	is.True(!ok) // replaced

	_, err = inv.SetCredential(ctx, admin, "no-such-user", "pin", "1234")
	is.True(errors.Is(err, types.ErrNotFound))
}

func TestSecretLengthIsCountedInBytes(t *testing.T) {
	is, ctx, inv, _ := testSetup(t)

	c, err := inv.CreateClient(ctx, admin, types.Client{Name: "Acme"})
	is.NoErr(err)
	u, err := inv.CreateClientUser(ctx, admin, types.ClientUser{ClientID: c.ID, FullName: "Åsa", Email: "asa@acme.se", IsActive: true})
	is.NoErr(err)

	_, err = inv.SetCredential(ctx, admin, u.ID, "pin", strings.Repeat("å", 36)) // 72 bytes
	is.NoErr(err)

	_, err = inv.SetCredential(ctx, admin, u.ID, "pin", strings.Repeat("å", 40)) // 40 runes, 80 bytes
	is.True(errors.Is(err, types.ErrValidation))
	is.Equal([]string{u.ID}, types.IDs(err))
}

func TestHashFailuresAreKinded(t *testing.T) {
	is, ctx, _, m := testSetup(t)

	s, err := database.New(ctx, database.NewSQLiteConnector(zerolog.Nop()))
	is.NoErr(err)
	defer s.Close()

	a := &authz.AuthorizerMock{
		AuthorizeFunc: func(ctx context.Context, caller types.Caller, action authz.Action) error {
			return nil
		},
	}

	inv := New(s, m, a, WithHashCost(bcrypt.MaxCost+1))

	c, err := inv.CreateClient(ctx, admin, types.Client{Name: "Acme"})
	is.NoErr(err)
	u, err := inv.CreateClientUser(ctx, admin, types.ClientUser{ClientID: c.ID, FullName: "Jane", Email: "jane@acme.se", IsActive: true})
	is.NoErr(err)

	_, err = inv.SetCredential(ctx, admin, u.ID, "pin", "1234")
	is.True(errors.Is(err, types.ErrStoreFailure))
	is.Equal("StoreFailure", types.Code(err))
	is.Equal([]string{u.ID}, types.IDs(err))
}

func TestViewerCannotManageInventory(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	a := &authz.AuthorizerMock{
		AuthorizeFunc: func(ctx context.Context, caller types.Caller, action authz.Action) error {
			if action == authz.ReadInventory {
				return nil
			}
			return types.NewError(types.ErrForbidden, "not allowed", caller.UserID)
		},
	}

	s, err := database.New(ctx, database.NewSQLiteConnector(zerolog.Nop()))
	is.NoErr(err)
	defer s.Close()

	inv := New(s, testPublisher(), a)
	viewer := types.Caller{UserID: "viewer-1", Role: types.RoleViewer}

	_, err = inv.CreateLocker(ctx, viewer, NewLocker{LockerNumber: 1, DoorCount: 1})
	is.True(errors.Is(err, types.ErrForbidden))

	_, err = inv.QueryLockers(ctx, viewer, LockerQuery{})
	is.NoErr(err)
}

func testPublisher() *messaging.MsgContextMock {
	return &messaging.MsgContextMock{
		PublishOnTopicFunc: func(ctx context.Context, message messaging.TopicMessage) error {
			return nil
		},
	}
}

func testSetup(t *testing.T) (*is.I, context.Context, Inventory, *messaging.MsgContextMock) {
	is := is.New(t)
	ctx := context.Background()

	s, err := database.New(ctx, database.NewSQLiteConnector(zerolog.Nop()))
	is.NoErr(err)
	t.Cleanup(func() { s.Close() })

	a := &authz.AuthorizerMock{
		AuthorizeFunc: func(ctx context.Context, caller types.Caller, action authz.Action) error {
			return nil
		},
	}

	m := testPublisher()

	return is, ctx, New(s, m, a, WithClock(func() time.Time { return t0 }), WithHashCost(bcrypt.MinCost)), m
}
