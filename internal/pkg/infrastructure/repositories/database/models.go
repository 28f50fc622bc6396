package database

import (
	"time"

	"github.com/diwise/locker-mgmt/pkg/types"
)

type Client struct {
	ID            string `gorm:"primaryKey"`
	Name          string `gorm:"not null"`
	Location      string
	ContactPerson string
	Email         string
	Phone         string
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Device struct {
	ID             string `gorm:"primaryKey"`
	Manufacturer   string
	Model          string
	AndroidVersion string
	LockerID       *string `gorm:"uniqueIndex"`
}

type Locker struct {
	ID           string  `gorm:"primaryKey"`
	LockerNumber int     `gorm:"uniqueIndex;not null"`
	Status       string  `gorm:"index;not null"`
	ClientID     *string `gorm:"index"`
	DeviceID     *string `gorm:"uniqueIndex"`
	AssignedAt   *time.Time
	ReleasedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type LockerDoor struct {
	ID             string `gorm:"primaryKey"`
	LockerID       string `gorm:"uniqueIndex:idx_locker_door_number;not null"`
	DoorNumber     int    `gorm:"uniqueIndex:idx_locker_door_number;not null"`
	Status         string `gorm:"index;not null"`
	Voltage        float64
	AssignedUserID *string `gorm:"uniqueIndex"`
	AssignedAt     *time.Time
}

type ClientUser struct {
	ID         string `gorm:"primaryKey"`
	ClientID   string `gorm:"uniqueIndex:idx_client_user_email;not null"`
	FullName   string `gorm:"not null"`
	Email      string `gorm:"uniqueIndex:idx_client_user_email;not null"`
	Phone      string
	Department string
	Position   string
	IsActive   bool
	CreatedAt  time.Time
}

type DoorUsageSession struct {
	ID              string    `gorm:"primaryKey"`
	UserID          string    `gorm:"index;not null"`
	DoorID          string    `gorm:"index;not null"`
	SessionStart    time.Time `gorm:"not null"`
	SessionEnd      *time.Time
	DurationMinutes *int64
	Status          string `gorm:"index;not null"`
}

type UserCredential struct {
	ID             string `gorm:"primaryKey"`
	UserID         string `gorm:"uniqueIndex:idx_user_credential_method;not null"`
	MethodType     string `gorm:"uniqueIndex:idx_user_credential_method;not null"`
	CredentialHash string `gorm:"not null"`
	IsActive       bool
}

type Profile struct {
	ID    string `gorm:"primaryKey"`
	Email string
	Role  string `gorm:"not null"`
}

func (c Client) toType() types.Client {
	return types.Client{
		ID:            c.ID,
		Name:          c.Name,
		Location:      c.Location,
		ContactPerson: c.ContactPerson,
		Email:         c.Email,
		Phone:         c.Phone,
		Notes:         c.Notes,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func fromClient(c types.Client) Client {
	return Client{
		ID:            c.ID,
		Name:          c.Name,
		Location:      c.Location,
		ContactPerson: c.ContactPerson,
		Email:         c.Email,
		Phone:         c.Phone,
		Notes:         c.Notes,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func (d Device) toType() types.Device {
	return types.Device{
		ID:             d.ID,
		Manufacturer:   d.Manufacturer,
		Model:          d.Model,
		AndroidVersion: d.AndroidVersion,
		LockerID:       d.LockerID,
	}
}

func fromDevice(d types.Device) Device {
	return Device{
		ID:             d.ID,
		Manufacturer:   d.Manufacturer,
		Model:          d.Model,
		AndroidVersion: d.AndroidVersion,
		LockerID:       d.LockerID,
	}
}

func (l Locker) toType(doors []LockerDoor) types.Locker {
	locker := types.Locker{
		ID:           l.ID,
		LockerNumber: l.LockerNumber,
		Status:       types.LockerStatus(l.Status),
		ClientID:     l.ClientID,
		DeviceID:     l.DeviceID,
		AssignedAt:   l.AssignedAt,
		ReleasedAt:   l.ReleasedAt,
		CreatedAt:    l.CreatedAt,
		UpdatedAt:    l.UpdatedAt,
	}

	for _, d := range doors {
		locker.Doors = append(locker.Doors, d.toType())
	}

	return locker
}

func fromLocker(l types.Locker) Locker {
	return Locker{
		ID:           l.ID,
		LockerNumber: l.LockerNumber,
		Status:       string(l.Status),
		ClientID:     l.ClientID,
		DeviceID:     l.DeviceID,
		AssignedAt:   l.AssignedAt,
		ReleasedAt:   l.ReleasedAt,
		CreatedAt:    l.CreatedAt,
		UpdatedAt:    l.UpdatedAt,
	}
}

func (d LockerDoor) toType() types.LockerDoor {
	return types.LockerDoor{
		ID:             d.ID,
		LockerID:       d.LockerID,
		DoorNumber:     d.DoorNumber,
		Status:         types.DoorStatus(d.Status),
		Voltage:        d.Voltage,
		AssignedUserID: d.AssignedUserID,
		AssignedAt:     d.AssignedAt,
	}
}

func fromDoor(d types.LockerDoor) LockerDoor {
	return LockerDoor{
		ID:             d.ID,
		LockerID:       d.LockerID,
		DoorNumber:     d.DoorNumber,
		Status:         string(d.Status),
		Voltage:        d.Voltage,
		AssignedUserID: d.AssignedUserID,
		AssignedAt:     d.AssignedAt,
	}
}

func (u ClientUser) toType() types.ClientUser {
	return types.ClientUser{
		ID:         u.ID,
		ClientID:   u.ClientID,
		FullName:   u.FullName,
		Email:      u.Email,
		Phone:      u.Phone,
		Department: u.Department,
		Position:   u.Position,
		IsActive:   u.IsActive,
		CreatedAt:  u.CreatedAt,
	}
}

func fromClientUser(u types.ClientUser) ClientUser {
	return ClientUser{
		ID:         u.ID,
		ClientID:   u.ClientID,
		FullName:   u.FullName,
		Email:      u.Email,
		Phone:      u.Phone,
		Department: u.Department,
		Position:   u.Position,
		IsActive:   u.IsActive,
		CreatedAt:  u.CreatedAt,
	}
}

func (s DoorUsageSession) toType() types.DoorUsageSession {
	return types.DoorUsageSession{
		ID:              s.ID,
		UserID:          s.UserID,
		DoorID:          s.DoorID,
		SessionStart:    s.SessionStart,
		SessionEnd:      s.SessionEnd,
		DurationMinutes: s.DurationMinutes,
		Status:          types.SessionStatus(s.Status),
	}
}

func fromSession(s types.DoorUsageSession) DoorUsageSession {
	return DoorUsageSession{
		ID:              s.ID,
		UserID:          s.UserID,
		DoorID:          s.DoorID,
		SessionStart:    s.SessionStart,
		SessionEnd:      s.SessionEnd,
		DurationMinutes: s.DurationMinutes,
		Status:          string(s.Status),
	}
}

func (c UserCredential) toType() types.UserCredential {
	return types.UserCredential{
		ID:             c.ID,
		UserID:         c.UserID,
		MethodType:     c.MethodType,
		CredentialHash: c.CredentialHash,
		IsActive:       c.IsActive,
	}
}
