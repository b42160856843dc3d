package store

import (
	"errors"
	"fmt"
)

// ValidationError is a malformed request. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NotFoundError is returned for an unknown task id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.ID)
}

// ConflictError means another worker holds a live claim on the task.
type ConflictError struct {
	ID    string
	Owner string
}

func (e *ConflictError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("task %s is not claimable", e.ID)
	}
	return fmt.Sprintf("task %s already claimed by %s", e.ID, e.Owner)
}

// IllegalTransitionError is a state machine violation.
type IllegalTransitionError struct {
	From TaskStatus
	To   TaskStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var v *NotFoundError
	return errors.As(err, &v)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var v *ConflictError
	return errors.As(err, &v)
}

// IsIllegalTransition reports whether err is an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var v *IllegalTransitionError
	return errors.As(err, &v)
}

// IsDomain reports whether err is one of the taxonomy errors above, i.e.
// a definitive answer from the store rather than a connectivity problem.
func IsDomain(err error) bool {
	return IsValidation(err) || IsNotFound(err) || IsConflict(err) || IsIllegalTransition(err)
}
