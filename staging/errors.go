package staging

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("invalid request")
	ErrPersistence        = errors.New("persistence failure")
	ErrExternalCapability = errors.New("external capability failure")
)

// ValidationError is a malformed or unsatisfiable request. It is surfaced
// to the caller and never retried.
type ValidationError string

func (e ValidationError) Error() string { return "invalid request: " + string(e) }

func (e ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError.
func Invalid(format string, args ...any) error {
	return ValidationError(fmt.Sprintf(format, args...))
}

// PersistenceError wraps a store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Persistence wraps err as a PersistenceError unless it is nil or already
// a not-found/validation error.
func Persistence(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) || errors.Is(err, ErrPersistence) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
