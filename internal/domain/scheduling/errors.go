package scheduling

import (
	"errors"
	"fmt"
)

// ReasonSlotTaken is the ConflictError reason when a slot was booked first
// by someone else.
const ReasonSlotTaken = "slot_taken"

var (
	ErrForbidden = errors.New("not permitted for this session")

	// ErrOutcomeUnknown means the booking transaction may or may not have
	// committed. Callers must re-read sessions before retrying.
	ErrOutcomeUnknown = errors.New("booking outcome unknown")

	// errStatusChanged is returned by a repository when a guarded status
	// update matched no row because the status moved concurrently.
	errStatusChanged = errors.New("session status changed concurrently")
)

// ValidationError reports malformed input. Field names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictError reports that a booking lost a race for its slot.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Reason }

func errSlotTaken() error { return &ConflictError{Reason: ReasonSlotTaken} }

// InvalidStateError reports a transition attempted from a disallowed status.
type InvalidStateError struct {
	Action Action
	From   SessionStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s a session that is %s", e.Action, e.From)
}

// NotFoundError reports a missing therapist, session or override.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

func IsInvalidState(err error) bool {
	var s *InvalidStateError
	return errors.As(err, &s)
}

func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}
