package application

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/resource-allocator/internal/scheduler"
)

var (
	// ErrUnauthorized is returned when the acting principal lacks permission for an operation.
	ErrUnauthorized = errors.New("application: unauthorized")
	// ErrNotFound is returned when the requested resource does not exist.
	ErrNotFound = errors.New("application: not found")
	// ErrAlreadyExists is returned when a record with the same identifier exists.
	ErrAlreadyExists = errors.New("application: already exists")
	// ErrInvalidTransition is returned when a lifecycle change is not allowed from the current state.
	ErrInvalidTransition = errors.New("application: invalid state transition")
	// ErrInvalidToken is returned when an API token cannot be verified.
	ErrInvalidToken = errors.New("application: invalid token")
)

// ValidationError captures field level validation issues that callers can surface to users.
type ValidationError struct {
	FieldErrors map[string]string
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	if v == nil {
		return ""
	}
	return "validation failed"
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

// add records a field level validation error.
func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

// merge copies entries from another validation error into the receiver.
func (v *ValidationError) merge(other *ValidationError) {
	if other == nil || len(other.FieldErrors) == 0 {
		return
	}
	for field, msg := range other.FieldErrors {
		v.add(field, msg)
	}
}

// ConflictReason distinguishes a lost race from a violated resource rule.
type ConflictReason string

const (
	// ConflictUnavailable means another writer holds the slot.
	ConflictUnavailable ConflictReason = "unavailable"
	// ConflictConstraint means the window breaks the resource's booking constraints.
	ConflictConstraint ConflictReason = "constraint"
)

// ConflictError is returned by booking when the requested window cannot be
// reserved. Err is a *CapacityExceededError or a *ValidationError.
type ConflictError struct {
	Reason     ConflictReason
	ResourceID string
	Err        error
}

func (e *ConflictError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("application: booking conflict (%s) on resource %s", e.Reason, e.ResourceID)
	}
	return fmt.Sprintf("application: booking conflict (%s) on resource %s: %v", e.Reason, e.ResourceID, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// CapacityExceededError reports that a window would push concurrent
// reservations past the resource capacity.
type CapacityExceededError struct {
	ResourceID string
	Capacity   int
	Peak       int
	Window     scheduler.Window
	// With lists the bookings or offers already covering the window.
	With []string
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity %d of resource %s exceeded between %s and %s",
		e.Capacity, e.ResourceID, e.Window.Start.Format("2006-01-02T15:04Z07:00"), e.Window.End.Format("2006-01-02T15:04Z07:00"))
}

// InstanceConflict is one rejected occurrence of a recurring booking.
type InstanceConflict struct {
	Index  int
	Window scheduler.Window
	Err    *ConflictError
}

// RecurrenceExpansionError rejects a whole recurrence because at least one
// occurrence cannot be booked. No occurrence is committed.
type RecurrenceExpansionError struct {
	ResourceID string
	Conflicts  []InstanceConflict
}

func (e *RecurrenceExpansionError) Error() string {
	indexes := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		indexes = append(indexes, fmt.Sprint(c.Index))
	}
	return fmt.Sprintf("application: recurrence on resource %s rejected, conflicting occurrences: %s",
		e.ResourceID, strings.Join(indexes, ","))
}

// Unwrap exposes every occurrence conflict to errors.Is and errors.As.
func (e *RecurrenceExpansionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		if c.Err != nil {
			errs = append(errs, c.Err)
		}
	}
	return errs
}

// NoEligibleCandidateError is an outcome rather than a failure: nothing in the
// pool can serve the request right now.
type NoEligibleCandidateError struct {
	RequestID string
	Reason    string
}

func (e *NoEligibleCandidateError) Error() string {
	return fmt.Sprintf("application: no eligible candidate for request %s: %s", e.RequestID, e.Reason)
}

func constraintConflict(resourceID string, vErr *ValidationError) *ConflictError {
	return &ConflictError{Reason: ConflictConstraint, ResourceID: resourceID, Err: vErr}
}

func unavailableConflict(resourceID string, cause *CapacityExceededError) *ConflictError {
	return &ConflictError{Reason: ConflictUnavailable, ResourceID: resourceID, Err: cause}
}

// IsUnavailable reports whether err means another writer won the slot.
func IsUnavailable(err error) bool {
	var cErr *ConflictError
	if errors.As(err, &cErr) {
		return cErr.Reason == ConflictUnavailable
	}
	return false
}
