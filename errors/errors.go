// Package errors provides error handling for handoff.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Marking errors with a kind that survives wrapping
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := store.Save(); err != nil {
//	    return errors.Wrap(err, "failed to persist job snapshot")
//	}
//
//	// Attach a kind without changing the message
//	return errors.Mark(err, errors.ErrPersistence)
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// GetStack returns the reportable stack trace attached to err, if any.
var GetStack = crdb.GetReportableStackTrace

// Sentinel errors. Every error returned by the job store, scheduler and
// control surface is marked with exactly one of these kinds.
var (
	// ErrNotFound indicates the requested job does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrPersistence indicates the snapshot could not be read or written.
	// In-memory state is never rolled back when this is returned.
	ErrPersistence = New("persistence failure")

	// ErrOperationFailure indicates the submitted operation itself failed
	ErrOperationFailure = New("operation failure")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")
)

// Kind names as rendered on the control surface.
const (
	KindNotFound           = "not_found"
	KindInvalidRequest     = "invalid_request"
	KindPersistenceFailure = "persistence_failure"
	KindOperationFailure   = "operation_failure"
	KindInternal           = "internal"
)

// Kind returns the control-surface kind of err. Errors carrying none of the
// sentinels report KindInternal; nil reports "".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrOperationFailure):
		// Outermost: an operation may fail with any kind of its own
		return KindOperationFailure
	case Is(err, ErrNotFound):
		return KindNotFound
	case Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case Is(err, ErrPersistence):
		return KindPersistenceFailure
	default:
		return KindInternal
	}
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsPersistenceError checks if an error is or wraps ErrPersistence
func IsPersistenceError(err error) bool {
	return err != nil && Is(err, ErrPersistence)
}

// IsOperationFailure checks if an error is or wraps ErrOperationFailure
func IsOperationFailure(err error) bool {
	return err != nil && Is(err, ErrOperationFailure)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidRequest)
}

// WrapPersistence wraps err with context and marks it as a persistence failure.
func WrapPersistence(err error, context string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, context), ErrPersistence)
}
