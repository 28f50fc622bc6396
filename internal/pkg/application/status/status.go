package status

import (
	"fmt"
	"time"

	"github.com/diwise/locker-mgmt/pkg/types"
)

// NextLockerStatus derives the status a locker should have after its client
// or device link has changed. Administrative statuses are only changed by an
// explicit admin override and are returned unchanged.
func NextLockerStatus(current types.LockerStatus, deviceAssigned, clientAssigned bool) types.LockerStatus {
	if IsAdministrative(current) {
		return current
	}

	if !clientAssigned {
		// a locker with a device but no client is still ready for dispatch
		return types.LockerAvailable
	}

	if !deviceAssigned {
		return types.LockerNoDeviceYet
	}

	if current == types.LockerReceivedByClient {
		return current
	}

	return types.LockerOnsite
}

// IsDispatchReady reports whether a locker can be sent out to a client.
func IsDispatchReady(s types.LockerStatus) bool {
	return s == types.LockerAvailable || s == types.LockerNoDeviceYet
}

func IsAdministrative(s types.LockerStatus) bool {
	switch s {
	case types.LockerUnderMaintenance, types.LockerInWarehouse, types.LockerArrivingToClient:
		return true
	}
	return false
}

// NextDoorStatus derives the status of a door from its assignment and the
// age of the usage session.
func NextDoorStatus(assignedUserID *string, sessionStart time.Time, overdueThreshold time.Duration, now time.Time) types.DoorStatus {
	if assignedUserID == nil {
		return types.DoorAvailable
	}

	if IsOverdue(sessionStart, overdueThreshold, now) {
		return types.DoorOverdue
	}

	return types.DoorOccupied
}

// OverdueAt returns the first instant at which a session started at
// sessionStart has lasted more whole minutes than the threshold allows.
func OverdueAt(sessionStart time.Time, overdueThreshold time.Duration) time.Time {
	return sessionStart.Add(overdueThreshold.Truncate(time.Minute) + time.Minute)
}

func IsOverdue(sessionStart time.Time, overdueThreshold time.Duration, now time.Time) bool {
	return !now.Before(OverdueAt(sessionStart, overdueThreshold))
}

// transitions lists, per target status, the statuses an admin may move a
// locker from.
var transitions = map[types.LockerStatus][]types.LockerStatus{
	types.LockerAvailable: {
		types.LockerUnderMaintenance, types.LockerInWarehouse,
	},
	types.LockerNoDeviceYet: {
		types.LockerUnderMaintenance, types.LockerInWarehouse,
	},
	types.LockerOnsite: {
		types.LockerArrivingToClient, types.LockerReceivedByClient, types.LockerUnderMaintenance, types.LockerInWarehouse,
	},
	types.LockerReceivedByClient: {
		types.LockerOnsite, types.LockerArrivingToClient,
	},
	types.LockerArrivingToClient: {
		types.LockerInWarehouse,
	},
	types.LockerInWarehouse: {
		types.LockerAvailable, types.LockerNoDeviceYet, types.LockerOnsite, types.LockerReceivedByClient,
		types.LockerArrivingToClient, types.LockerUnderMaintenance,
	},
	types.LockerUnderMaintenance: {
		types.LockerAvailable, types.LockerNoDeviceYet, types.LockerOnsite, types.LockerReceivedByClient,
		types.LockerArrivingToClient, types.LockerInWarehouse,
	},
}

// ValidateLockerTransition checks an admin requested status change against
// the transition table and against the locker's current links.
func ValidateLockerTransition(current, target types.LockerStatus, deviceAssigned, clientAssigned bool) error {
	if !target.Valid() {
		return types.NewError(types.ErrValidation, fmt.Sprintf("unknown locker status %q", target))
	}

	if current == target {
		return nil
	}

	allowed := false
	for _, from := range transitions[target] {
		if from == current {
			allowed = true
			break
		}
	}

	if !allowed {
		return types.NewError(types.ErrInvalidStatusTransition, fmt.Sprintf("cannot move locker from %s to %s", current, target))
	}

	switch target {
	case types.LockerAvailable:
		if clientAssigned {
			return types.NewError(types.ErrInvalidStatusTransition, "available requires no client")
		}
	case types.LockerNoDeviceYet:
		if !clientAssigned || deviceAssigned {
			return types.NewError(types.ErrInvalidStatusTransition, "no_device_yet requires a client and no device")
		}
	case types.LockerOnsite, types.LockerReceivedByClient, types.LockerArrivingToClient:
		if !clientAssigned || !deviceAssigned {
			return types.NewError(types.ErrInvalidStatusTransition, fmt.Sprintf("%s requires a client and a device", target))
		}
	}

	return nil
}

var lockerLabels = map[types.LockerStatus]string{
	types.LockerAvailable:        "Available",
	types.LockerNoDeviceYet:      "No device yet",
	types.LockerUnderMaintenance: "Under maintenance",
	types.LockerOnsite:           "On site",
	types.LockerInWarehouse:      "In warehouse",
	types.LockerArrivingToClient: "Arriving to client",
	types.LockerReceivedByClient: "Received by client",
}

var doorLabels = map[types.DoorStatus]string{
	types.DoorAvailable: "Available",
	types.DoorOccupied:  "Occupied",
	types.DoorOverdue:   "Overdue",
}

func Label(s types.LockerStatus) string {
	if l, ok := lockerLabels[s]; ok {
		return l
	}
	return string(s)
}

func DoorLabel(s types.DoorStatus) string {
	if l, ok := doorLabels[s]; ok {
		return l
	}
	return string(s)
}

// WithLabels fills in the human readable status labels of a locker and its doors.
func WithLabels(l types.Locker) types.Locker {
	l.StatusLabel = Label(l.Status)
	for i := range l.Doors {
		l.Doors[i].StatusLabel = DoorLabel(l.Doors[i].Status)
	}
	return l
}
