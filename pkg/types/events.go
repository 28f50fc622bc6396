package types

import "time"

type LockerStatusChanged struct {
	LockerID  string       `json:"lockerID"`
	Previous  LockerStatus `json:"previous"`
	Status    LockerStatus `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}

func (l *LockerStatusChanged) ContentType() string {
	return "application/json"
}
func (l *LockerStatusChanged) TopicName() string {
	return "locker.statusChanged"
}

type DeviceAssigned struct {
	LockerID  string    `json:"lockerID"`
	DeviceID  string    `json:"deviceID"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *DeviceAssigned) ContentType() string {
	return "application/json"
}
func (d *DeviceAssigned) TopicName() string {
	return "locker.deviceAssigned"
}

type DeviceUnassigned struct {
	LockerID  string    `json:"lockerID"`
	DeviceID  string    `json:"deviceID"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *DeviceUnassigned) ContentType() string {
	return "application/json"
}
func (d *DeviceUnassigned) TopicName() string {
	return "locker.deviceUnassigned"
}

type DoorAssigned struct {
	DoorID    string    `json:"doorID"`
	LockerID  string    `json:"lockerID"`
	UserID    string    `json:"userID"`
	SessionID string    `json:"sessionID"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *DoorAssigned) ContentType() string {
	return "application/json"
}
func (d *DoorAssigned) TopicName() string {
	return "door.assigned"
}

type DoorReleased struct {
	DoorID    string    `json:"doorID"`
	LockerID  string    `json:"lockerID"`
	UserID    string    `json:"userID"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *DoorReleased) ContentType() string {
	return "application/json"
}
func (d *DoorReleased) TopicName() string {
	return "door.released"
}

type SessionClosed struct {
	SessionID       string    `json:"sessionID"`
	DoorID          string    `json:"doorID"`
	UserID          string    `json:"userID"`
	DurationMinutes int64     `json:"durationMinutes"`
	Timestamp       time.Time `json:"timestamp"`
}

func (s *SessionClosed) ContentType() string {
	return "application/json"
}
func (s *SessionClosed) TopicName() string {
	return "session.closed"
}

type DoorOverdueDetected struct {
	DoorID       string    `json:"doorID"`
	LockerID     string    `json:"lockerID"`
	UserID       string    `json:"userID"`
	SessionStart time.Time `json:"sessionStart"`
	Timestamp    time.Time `json:"timestamp"`
}

func (d *DoorOverdueDetected) ContentType() string {
	return "application/json"
}
func (d *DoorOverdueDetected) TopicName() string {
	return "door.overdue"
}
