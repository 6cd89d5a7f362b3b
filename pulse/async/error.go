package async

import (
	"context"
	"os"
	"strings"

	"github.com/teranos/handoff/errors"
)

// ErrorCode represents the classification of a job failure
type ErrorCode string

const (
	ErrorCodeCancelled        ErrorCode = "cancelled"
	ErrorCodeTimeout          ErrorCode = "timeout"
	ErrorCodeNotFound         ErrorCode = "not_found"
	ErrorCodePermissionDenied ErrorCode = "permission_denied"
	ErrorCodeInvalidInput     ErrorCode = "invalid_input"
	ErrorCodePanic            ErrorCode = "panic"
	ErrorCodeRestarted        ErrorCode = "restarted"
	ErrorCodeResultEncoding   ErrorCode = "result_encoding"
	ErrorCodeUnknown          ErrorCode = "unknown"
)

// ErrCancelRequested is the cancellation cause set on an execution's
// context when a cancel request arrives.
var ErrCancelRequested = errors.New("cancellation requested")

// ErrorContext provides structured error information for job failures
type ErrorContext struct {
	Code      ErrorCode // Error classification
	Message   string    // Human-readable message
	Retryable bool      // Would running the operation again plausibly succeed?
}

// ClassifyError categorizes an error by its identity first, then by its message
func ClassifyError(err error) ErrorContext {
	if err == nil {
		return ErrorContext{Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ec := ErrorContext{Message: err.Error()}
	errLower := strings.ToLower(ec.Message)

	switch {
	case errors.Is(err, ErrCancelRequested) || errors.Is(err, context.Canceled):
		ec.Code = ErrorCodeCancelled

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errors.ErrTimeout) ||
		strings.Contains(errLower, "deadline exceeded") || strings.Contains(errLower, "timed out"):
		ec.Code = ErrorCodeTimeout
		ec.Retryable = true

	case errors.Is(err, os.ErrNotExist) || errors.Is(err, errors.ErrNotFound) ||
		strings.Contains(errLower, "no such file") || strings.Contains(errLower, "not found"):
		ec.Code = ErrorCodeNotFound

	case errors.Is(err, os.ErrPermission) || strings.Contains(errLower, "permission denied"):
		ec.Code = ErrorCodePermissionDenied

	case errors.Is(err, errors.ErrInvalidRequest) || strings.Contains(errLower, "invalid"):
		ec.Code = ErrorCodeInvalidInput

	default:
		ec.Code = ErrorCodeUnknown
		ec.Retryable = true
	}

	return ec
}

// newJobError builds the recorded error for a failed operation
func newJobError(err error) *JobError {
	ec := ClassifyError(err)
	return &JobError{Message: ec.Message, Code: ec.Code, Retryable: ec.Retryable}
}
