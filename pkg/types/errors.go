package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation              = errors.New("validation error")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrAlreadyAssigned         = errors.New("already assigned")
	ErrNotAssigned             = errors.New("not assigned")
	ErrDoorUnavailable         = errors.New("door unavailable")
	ErrDoorNotAssigned         = errors.New("door not assigned")
	ErrUserAlreadyAssigned     = errors.New("user already assigned")
	ErrHasActiveAssignment     = errors.New("has active assignment")
	ErrSessionAlreadyActive    = errors.New("session already active")
	ErrSessionNotActive        = errors.New("session not active")
	ErrClockSkew               = errors.New("clock skew")
	ErrNotFound                = errors.New("not found")
	ErrStoreFailure            = errors.New("store failure")
	ErrForbidden               = errors.New("forbidden")
)

var codes = map[error]string{
	ErrValidation:              "ValidationError",
	ErrInvalidStatusTransition: "InvalidStatusTransition",
	ErrAlreadyAssigned:         "AlreadyAssigned",
	ErrNotAssigned:             "NotAssigned",
	ErrDoorUnavailable:         "DoorUnavailable",
	ErrDoorNotAssigned:         "DoorNotAssigned",
	ErrUserAlreadyAssigned:     "UserAlreadyAssigned",
	ErrHasActiveAssignment:     "HasActiveAssignment",
	ErrSessionAlreadyActive:    "SessionAlreadyActive",
	ErrSessionNotActive:        "SessionNotActive",
	ErrClockSkew:               "ClockSkew",
	ErrNotFound:                "NotFound",
	ErrStoreFailure:            "StoreFailure",
	ErrForbidden:               "Forbidden",
}

// Error is returned by all operations that fail. It carries one of the
// sentinel kinds above together with the ids of the entities involved.
type Error struct {
	Kind   error
	IDs    []string
	Reason string
	Err    error
}

func NewError(kind error, reason string, ids ...string) *Error {
	return &Error{Kind: kind, Reason: reason, IDs: ids}
}

func NewValidationError(reason string, ids ...string) *Error {
	return NewError(ErrValidation, reason, ids...)
}

// StoreFailure wraps an error from the persistence layer. Errors that
// already carry a kind are returned unchanged.
func StoreFailure(err error, ids ...string) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return err
	}

	return &Error{Kind: ErrStoreFailure, Reason: "store operation failed", IDs: ids, Err: err}
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.Error())

	if e.Reason != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Reason)
	}

	if len(e.IDs) > 0 {
		sb.WriteString(fmt.Sprintf(" [%s]", strings.Join(e.IDs, ", ")))
	}

	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}

	return sb.String()
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Code returns the stable name of the error kind, e.g. "DoorUnavailable".
func Code(err error) string {
	if k := Kind(err); k != nil {
		return codes[k]
	}
	return codes[ErrStoreFailure]
}

// Kind returns the sentinel kind of err or nil if err carries none.
func Kind(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	for k := range codes {
		if errors.Is(err, k) {
			return k
		}
	}

	return nil
}

// KindFromCode is the inverse of Code.
func KindFromCode(code string) error {
	for k, c := range codes {
		if c == code {
			return k
		}
	}
	return nil
}

func IDs(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.IDs
	}
	return nil
}
