package types

import (
	"time"
)

type LockerStatus string

const (
	LockerAvailable        LockerStatus = "available"
	LockerNoDeviceYet      LockerStatus = "no_device_yet"
	LockerUnderMaintenance LockerStatus = "under_maintenance"
	LockerOnsite           LockerStatus = "onsite"
	LockerInWarehouse      LockerStatus = "in_warehouse"
	LockerArrivingToClient LockerStatus = "arriving_to_client"
	LockerReceivedByClient LockerStatus = "received_by_client"
)

var LockerStatuses = []LockerStatus{
	LockerAvailable,
	LockerNoDeviceYet,
	LockerUnderMaintenance,
	LockerOnsite,
	LockerInWarehouse,
	LockerArrivingToClient,
	LockerReceivedByClient,
}

func (s LockerStatus) Valid() bool {
	for _, known := range LockerStatuses {
		if s == known {
			return true
		}
	}
	return false
}

type DoorStatus string

const (
	DoorAvailable DoorStatus = "available"
	DoorOccupied  DoorStatus = "occupied"
	DoorOverdue   DoorStatus = "overdue"
)

func (s DoorStatus) Valid() bool {
	return s == DoorAvailable || s == DoorOccupied || s == DoorOverdue
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// Caller identifies who performs an operation. It is always passed
// explicitly to the services.
type Caller struct {
	UserID string `json:"userID"`
	Role   Role   `json:"role"`
}

type Profile struct {
	ID    string `json:"id" yaml:"id"`
	Email string `json:"email" yaml:"email"`
	Role  Role   `json:"role" yaml:"role"`
}

type Client struct {
	ID            string    `json:"id"`
	Name          string    `json:"name" validate:"required,max=255"`
	Location      string    `json:"location,omitempty" validate:"max=255"`
	ContactPerson string    `json:"contactPerson,omitempty" validate:"max=255"`
	Email         string    `json:"email,omitempty" validate:"omitempty,email"`
	Phone         string    `json:"phone,omitempty" validate:"max=64"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type Device struct {
	ID             string  `json:"id"`
	Manufacturer   string  `json:"manufacturer" validate:"required,max=255"`
	Model          string  `json:"model" validate:"required,max=255"`
	AndroidVersion string  `json:"androidVersion,omitempty" validate:"max=64"`
	LockerID       *string `json:"lockerID,omitempty"`
}

type Locker struct {
	ID           string       `json:"id"`
	LockerNumber int          `json:"lockerNumber" validate:"gt=0"`
	Status       LockerStatus `json:"status"`
	StatusLabel  string       `json:"statusLabel,omitempty"`
	ClientID     *string      `json:"clientID,omitempty"`
	DeviceID     *string      `json:"deviceID,omitempty"`
	AssignedAt   *time.Time   `json:"assignedAt,omitempty"`
	ReleasedAt   *time.Time   `json:"releasedAt,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	Doors        []LockerDoor `json:"doors,omitempty"`
}

type LockerDoor struct {
	ID             string     `json:"id"`
	LockerID       string     `json:"lockerID"`
	DoorNumber     int        `json:"doorNumber"`
	Status         DoorStatus `json:"status"`
	StatusLabel    string     `json:"statusLabel,omitempty"`
	Voltage        float64    `json:"voltage"`
	AssignedUserID *string    `json:"assignedUserID,omitempty"`
	AssignedAt     *time.Time `json:"assignedAt,omitempty"`
}

type ClientUser struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"clientID" validate:"required"`
	FullName   string    `json:"fullName" validate:"required,max=255"`
	Email      string    `json:"email" validate:"required,email"`
	Phone      string    `json:"phone,omitempty" validate:"max=64"`
	Department string    `json:"department,omitempty"`
	Position   string    `json:"position,omitempty"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
}

type DoorUsageSession struct {
	ID              string        `json:"id"`
	UserID          string        `json:"userID"`
	DoorID          string        `json:"doorID"`
	SessionStart    time.Time     `json:"sessionStart"`
	SessionEnd      *time.Time    `json:"sessionEnd,omitempty"`
	DurationMinutes *int64        `json:"durationMinutes,omitempty"`
	Status          SessionStatus `json:"status"`
}

type UserCredential struct {
	ID             string `json:"id"`
	UserID         string `json:"userID"`
	MethodType     string `json:"methodType"`
	CredentialHash string `json:"-"`
	IsActive       bool   `json:"isActive"`
}

type Collection[T any] struct {
	Data       []T    `json:"data"`
	Count      uint64 `json:"count"`
	Offset     uint64 `json:"offset"`
	Limit      uint64 `json:"limit"`
	TotalCount uint64 `json:"totalCount"`
}
