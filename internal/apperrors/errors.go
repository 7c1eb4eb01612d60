// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrInternal         = errors.New("internal error")
	ErrUpstreamAuth     = errors.New("upstream authentication error")
	ErrUpstreamProtocol = errors.New("upstream protocol error")
	ErrLaunch           = errors.New("launch error")
	ErrBackendList      = errors.New("backend list error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "jobId", "containerLocation")
	Op       string // Operation that failed (e.g., "docker.pullImage")
	JobID    string // Job the failure relates to, if any
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel and the cause so both errors.Is() and errors.As() see through.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// UpstreamAuth reports a missing or unusable credential for an upstream service.
// It aborts the whole pass.
func UpstreamAuth(op, message string) error {
	return &Error{
		Sentinel: ErrUpstreamAuth,
		Message:  fmt.Sprintf("%s: %s", op, message),
		Op:       op,
	}
}

// UpstreamProtocol reports a non-success response or a body that does not
// match the expected shape.
func UpstreamProtocol(op string, cause error) error {
	return &Error{
		Sentinel: ErrUpstreamProtocol,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Launch reports a failure to launch a single job.
func Launch(op, jobID string, cause error) error {
	return &Error{
		Sentinel: ErrLaunch,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		JobID:    jobID,
		Cause:    cause,
	}
}

// BackendList reports a failure to enumerate backend resources.
func BackendList(op string, cause error) error {
	return &Error{
		Sentinel: ErrBackendList,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
