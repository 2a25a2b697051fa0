package store

import (
	"errors"
	"fmt"
)

// NotFoundError indicates the resource was not found.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a client-side validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConflictError indicates a uniqueness/conflict violation.
type ConflictError struct {
	Message string
	Code    string
	Details map[string]interface{}
}

func (e *ConflictError) Error() string {
	return e.Message
}

// ForbiddenError indicates insufficient access. Anonymous is set when the caller
// presented no identity, so the HTTP layer can answer 401 instead of 403.
type ForbiddenError struct {
	Anonymous bool
}

func (e *ForbiddenError) Error() string {
	if e.Anonymous {
		return "authentication required"
	}
	return "forbidden"
}

// UnauthenticatedError indicates an operation that requires a user identity was called without one.
type UnauthenticatedError struct {
	Op string
}

func (e *UnauthenticatedError) Error() string {
	if e.Op == "" {
		return "unauthenticated"
	}
	return fmt.Sprintf("%s: unauthenticated", e.Op)
}

// TransientError wraps a failure of the backing store that is worth retrying:
// connectivity loss, timeouts, cancellation, serialization failures.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient store failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is, or wraps, a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsNotFound reports whether err is, or wraps, a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
