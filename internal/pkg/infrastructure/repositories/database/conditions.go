package database

import (
	"github.com/diwise/locker-mgmt/pkg/types"
	"gorm.io/gorm"
)

type ConditionFunc func(*Condition) *Condition

type Condition struct {
	ClientID     string
	LockerID     string
	DoorID       string
	UserID       string
	DeviceID     string
	Email        string
	LockerNumber *int

	LockerStatuses []types.LockerStatus
	DoorStatuses   []types.DoorStatus
	SessionStatus  types.SessionStatus

	Assigned *bool
	Active   *bool

	offset *int
	limit  *int
}

func NewCondition(conditions ...ConditionFunc) *Condition {
	c := &Condition{}
	for _, f := range conditions {
		f(c)
	}
	return c
}

func WithClientID(clientID string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.ClientID = clientID
		return c
	}
}

func WithLockerID(lockerID string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.LockerID = lockerID
		return c
	}
}

func WithDoorID(doorID string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.DoorID = doorID
		return c
	}
}

func WithUserID(userID string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.UserID = userID
		return c
	}
}

func WithDeviceID(deviceID string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.DeviceID = deviceID
		return c
	}
}

func WithEmail(email string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Email = email
		return c
	}
}

func WithLockerNumber(n int) ConditionFunc {
	return func(c *Condition) *Condition {
		c.LockerNumber = &n
		return c
	}
}

func WithLockerStatus(statuses ...types.LockerStatus) ConditionFunc {
	return func(c *Condition) *Condition {
		c.LockerStatuses = append(c.LockerStatuses, statuses...)
		return c
	}
}

func WithDoorStatus(statuses ...types.DoorStatus) ConditionFunc {
	return func(c *Condition) *Condition {
		c.DoorStatuses = append(c.DoorStatuses, statuses...)
		return c
	}
}

func WithSessionStatus(status types.SessionStatus) ConditionFunc {
	return func(c *Condition) *Condition {
		c.SessionStatus = status
		return c
	}
}

// WithAssigned filters doors on whether a user holds them, and devices
// on whether they are linked to a locker.
func WithAssigned(assigned bool) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Assigned = &assigned
		return c
	}
}

func WithActive(active bool) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Active = &active
		return c
	}
}

func WithOffset(offset int) ConditionFunc {
	return func(c *Condition) *Condition {
		if offset >= 0 {
			c.offset = &offset
		}
		return c
	}
}

func WithLimit(limit int) ConditionFunc {
	return func(c *Condition) *Condition {
		if limit > 0 {
			c.limit = &limit
		}
		return c
	}
}

func (c *Condition) Offset() int {
	if c.offset == nil {
		return 0
	}
	return *c.offset
}

func (c *Condition) Limit() int {
	if c.limit == nil {
		return 0
	}
	return *c.limit
}

func (c *Condition) page(q *gorm.DB) *gorm.DB {
	if c.offset != nil {
		q = q.Offset(*c.offset)
	}
	if c.limit != nil {
		q = q.Limit(*c.limit)
	}
	return q
}

func (c *Condition) clients(q *gorm.DB) *gorm.DB {
	if c.Email != "" {
		q = q.Where("email = ?", c.Email)
	}
	return q
}

func (c *Condition) devices(q *gorm.DB) *gorm.DB {
	if c.LockerID != "" {
		q = q.Where("locker_id = ?", c.LockerID)
	}
	if c.Assigned != nil {
		if *c.Assigned {
			q = q.Where("locker_id IS NOT NULL")
		} else {
			q = q.Where("locker_id IS NULL")
		}
	}
	return q
}

func (c *Condition) lockers(q *gorm.DB) *gorm.DB {
	if c.ClientID != "" {
		q = q.Where("client_id = ?", c.ClientID)
	}
	if c.DeviceID != "" {
		q = q.Where("device_id = ?", c.DeviceID)
	}
	if c.LockerNumber != nil {
		q = q.Where("locker_number = ?", *c.LockerNumber)
	}
	if len(c.LockerStatuses) > 0 {
		q = q.Where("status IN ?", lockerStatusStrings(c.LockerStatuses))
	}
	return q
}

func (c *Condition) doors(q *gorm.DB) *gorm.DB {
	if c.LockerID != "" {
		q = q.Where("locker_id = ?", c.LockerID)
	}
	if c.UserID != "" {
		q = q.Where("assigned_user_id = ?", c.UserID)
	}
	if len(c.DoorStatuses) > 0 {
		statuses := make([]string, 0, len(c.DoorStatuses))
		for _, s := range c.DoorStatuses {
			statuses = append(statuses, string(s))
		}
		q = q.Where("status IN ?", statuses)
	}
	if c.Assigned != nil {
		if *c.Assigned {
			q = q.Where("assigned_user_id IS NOT NULL")
		} else {
			q = q.Where("assigned_user_id IS NULL")
		}
	}
	return q
}

func (c *Condition) clientUsers(q *gorm.DB) *gorm.DB {
	if c.ClientID != "" {
		q = q.Where("client_id = ?", c.ClientID)
	}
	if c.Email != "" {
		q = q.Where("email = ?", c.Email)
	}
	if c.Active != nil {
		q = q.Where("is_active = ?", *c.Active)
	}
	return q
}

func (c *Condition) sessions(q *gorm.DB) *gorm.DB {
	if c.UserID != "" {
		q = q.Where("user_id = ?", c.UserID)
	}
	if c.DoorID != "" {
		q = q.Where("door_id = ?", c.DoorID)
	}
	if c.SessionStatus != "" {
		q = q.Where("status = ?", string(c.SessionStatus))
	}
	return q
}

func (c *Condition) credentials(q *gorm.DB) *gorm.DB {
	if c.UserID != "" {
		q = q.Where("user_id = ?", c.UserID)
	}
	if c.Active != nil {
		q = q.Where("is_active = ?", *c.Active)
	}
	return q
}

func lockerStatusStrings(statuses []types.LockerStatus) []string {
	s := make([]string, 0, len(statuses))
	for _, status := range statuses {
		s = append(s, string(status))
	}
	return s
}
