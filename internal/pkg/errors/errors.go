// Package errors provides standardized API error types and the domain
// error kinds raised by the provisioning core.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError represents a standardized API error response.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Details    any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// WithDetails returns a copy of the error with additional details.
func (e *APIError) WithDetails(details any) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    e.Message,
		StatusCode: e.StatusCode,
		Details:    details,
	}
}

// WithMessage returns a copy of the error with a custom message.
func (e *APIError) WithMessage(message string) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    message,
		StatusCode: e.StatusCode,
		Details:    e.Details,
	}
}

// Standard error definitions
var (
	// ErrUnauthorized is returned when authentication is required but missing or invalid.
	ErrUnauthorized = &APIError{
		Code:       "unauthorized",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrForbidden is returned when the user lacks permission for an action.
	ErrForbidden = &APIError{
		Code:       "forbidden",
		Message:    "You don't have permission to perform this action",
		StatusCode: http.StatusForbidden,
	}

	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = &APIError{
		Code:       "not_found",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	// ErrBadRequest is returned when the request is malformed.
	ErrBadRequest = &APIError{
		Code:       "bad_request",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	// ErrRateLimited is returned when rate limits are exceeded.
	ErrRateLimited = &APIError{
		Code:       "rate_limited",
		Message:    "Too many requests. Please try again later.",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrQuotaExceeded is returned when plan limits are exceeded.
	ErrQuotaExceeded = &APIError{
		Code:       "quota_exceeded",
		Message:    "You've exceeded your plan limits",
		StatusCode: http.StatusPaymentRequired,
	}

	// ErrInternal is returned for unexpected server errors.
	ErrInternal = &APIError{
		Code:       "internal_error",
		Message:    "An internal error occurred",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrConflict is returned when a resource already exists.
	ErrConflict = &APIError{
		Code:       "conflict",
		Message:    "Resource already exists",
		StatusCode: http.StatusConflict,
	}

	// ErrServiceUnavailable is returned when a dependent service is unavailable.
	ErrServiceUnavailable = &APIError{
		Code:       "service_unavailable",
		Message:    "Service temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
	}
)

// Domain sentinel errors raised by the provisioning core. The HTTP
// boundary maps these onto APIError responses.
var (
	// ErrPortExhausted is returned when no free port remains in the
	// configured allocation range.
	ErrPortExhausted = errors.New("no free port in allocation range")

	// ErrCircularDependency is returned when a template's action
	// dependencies contain a cycle. No action runs in that case.
	ErrCircularDependency = errors.New("circular dependency between actions")

	// ErrStateTransition is returned when an operation is requested in a
	// state that does not allow it (e.g. resume while not paused).
	ErrStateTransition = errors.New("invalid state transition")

	// ErrPayloadAuth is returned when an inbound callback fails HMAC
	// verification. No state is mutated.
	ErrPayloadAuth = errors.New("payload authentication failed")

	// ErrIdempotentReplay is returned when a callback targets a payment
	// that already reached a terminal state. Callers respond OK without
	// side effects.
	ErrIdempotentReplay = errors.New("payment already in terminal state")
)

// ActionError wraps a failure of a template action after all retries.
type ActionError struct {
	ActionID   string
	ActionType string
	Attempts   int
	Err        error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s (%s) failed after %d attempt(s): %v", e.ActionID, e.ActionType, e.Attempts, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// CommandError wraps a non-zero exit or timeout from an external command.
// Stderr carries a tail of the command's standard error output.
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command %q failed: %v: %s", e.Command, e.Err, e.Stderr)
	}
	return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ProvisionError carries the steps that completed before a provisioning
// failure so callers can report what was compensated.
type ProvisionError struct {
	Step           string
	CompletedSteps []string
	Err            error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning failed at step %q: %v", e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// NewValidationError creates a validation error for a specific field.
func NewValidationError(field, message string) *APIError {
	return &APIError{
		Code:       "validation_error",
		Message:    fmt.Sprintf("Validation failed: %s", message),
		StatusCode: http.StatusBadRequest,
		Details: map[string]string{
			"field": field,
			"error": message,
		},
	}
}

// NewValidationErrors creates a validation error with multiple field errors.
func NewValidationErrors(errors map[string]string) *APIError {
	return &APIError{
		Code:       "validation_error",
		Message:    "One or more fields failed validation",
		StatusCode: http.StatusBadRequest,
		Details:    errors,
	}
}

// NewNotFoundError creates a not found error for a specific resource type.
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Code:       "not_found",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

// NewConflictError creates a conflict error with a custom message.
func NewConflictError(message string) *APIError {
	return &APIError{
		Code:       "conflict",
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

// NewInternalError creates an internal error with a custom message.
// This should only be used in development; in production, use ErrInternal.
func NewInternalError(message string) *APIError {
	return &APIError{
		Code:       "internal_error",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// IsAPIError checks if an error is an APIError.
func IsAPIError(err error) bool {
	_, ok := err.(*APIError)
	return ok
}

// AsAPIError converts an error to an APIError if possible.
// Returns ErrInternal if the error is not an APIError.
func AsAPIError(err error) *APIError {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr
	}
	return ErrInternal
}
