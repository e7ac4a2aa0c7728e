// Package errors provides the broker's error taxonomy.
//
// Sentinel errors cover the conditions callers branch on; AppError carries a
// code and HTTP status for the API layer. Anything locally recoverable is
// logged and recovered at the site; anything that changes observable state is
// surfaced exactly once with a single variant.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for broker-level failure modes.
var (
	// ErrNoCredential indicates no usable credential was found for the
	// configured mode. Not retried.
	ErrNoCredential = errors.New("no usable credential")

	// ErrRefreshFailed indicates an OAuth token refresh failed. The old
	// record remains on disk.
	ErrRefreshFailed = errors.New("credential refresh failed")

	// ErrCapExceeded indicates the max concurrent session cap was reached.
	ErrCapExceeded = errors.New("session cap exceeded")

	// ErrBusy indicates a turn was attempted while another is in flight on
	// the same session.
	ErrBusy = errors.New("session busy: turn already in flight")

	// ErrTurnTimeout indicates a turn deadline elapsed before the Assistant
	// finished. The Assistant is not killed.
	ErrTurnTimeout = errors.New("turn timed out")

	// ErrBridgeNotReady indicates the bridge never reached AGENT_READY
	// within the readiness deadline.
	ErrBridgeNotReady = errors.New("bridge not ready")

	// ErrAssistantFailed indicates the in-sandbox Assistant reported FAILED
	// or its event stream ended.
	ErrAssistantFailed = errors.New("assistant failed")

	// ErrSessionNotFound indicates no session exists for the agent id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCorrupted indicates a persisted file failed to parse. Callers
	// treat the record as absent.
	ErrCorrupted = errors.New("corrupted record")
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeCapExceeded        = "CAP_EXCEEDED"
	ErrCodeBusy               = "BUSY"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeNoCredential       = "NO_CREDENTIAL"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
		Err:        ErrSessionNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// FromDomain maps a broker sentinel error to an AppError for the API layer.
func FromDomain(err error) *AppError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSessionNotFound):
		return &AppError{Code: ErrCodeNotFound, Message: err.Error(), HTTPStatus: http.StatusNotFound, Err: err}
	case errors.Is(err, ErrBusy):
		return &AppError{Code: ErrCodeBusy, Message: err.Error(), HTTPStatus: http.StatusConflict, Err: err}
	case errors.Is(err, ErrCapExceeded):
		return &AppError{Code: ErrCodeCapExceeded, Message: err.Error(), HTTPStatus: http.StatusTooManyRequests, Err: err}
	case errors.Is(err, ErrTurnTimeout):
		return &AppError{Code: ErrCodeTimeout, Message: err.Error(), HTTPStatus: http.StatusGatewayTimeout, Err: err}
	case errors.Is(err, ErrNoCredential), errors.Is(err, ErrRefreshFailed):
		return &AppError{Code: ErrCodeNoCredential, Message: err.Error(), HTTPStatus: http.StatusUnauthorized, Err: err}
	case errors.Is(err, ErrBridgeNotReady), errors.Is(err, ErrAssistantFailed):
		return &AppError{Code: ErrCodeServiceUnavailable, Message: err.Error(), HTTPStatus: http.StatusServiceUnavailable, Err: err}
	default:
		return InternalError(err.Error(), err)
	}
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
