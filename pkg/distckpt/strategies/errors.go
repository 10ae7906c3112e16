package strategies

import (
	"errors"
	"fmt"
)

// Sentinel errors for strategy resolution and use.
var (
	// ErrBackendUnavailable indicates a backend's activation routine failed,
	// typically because an optional dependency is absent.
	ErrBackendUnavailable = errors.New("checkpoint backend unavailable")

	// ErrStrategyNotFound indicates no strategy is registered for the exact
	// (action, backend, version) identity.
	ErrStrategyNotFound = errors.New("no matching checkpoint strategy")

	// ErrIncompatibleCheckpoint indicates a loader was asked to read a
	// checkpoint whose stored backend or version it does not support.
	ErrIncompatibleCheckpoint = errors.New("incompatible checkpoint")

	// ErrUnsupportedOperation indicates a capability a strategy deliberately
	// does not implement.
	ErrUnsupportedOperation = errors.New("operation not supported by strategy")
)

// Error wraps a strategy-layer failure with the operation attempted, the
// identity involved, and an optional remediation hint supplied by the
// backend.
type Error struct {
	// Op is the operation that failed ("resolve", "activate", "save", ...).
	Op string
	// ID is the identity being resolved or used; zero when unknown.
	ID ID
	// Hint is the backend's installation or remediation hint, if any.
	Hint string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := "checkpoint strategy " + e.Op
	if e.ID != (ID{}) {
		msg += " " + e.ID.String()
	}
	msg += ": " + e.Err.Error()
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op string, id ID, err error) *Error {
	return &Error{Op: op, ID: id, Err: err}
}

func unsupported(op, strategy string) *Error {
	return &Error{Op: op, Err: fmt.Errorf("%w: %s", ErrUnsupportedOperation, strategy)}
}
