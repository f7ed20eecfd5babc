package errors

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
)

// Error codes returned by the API
const (
	CodeCharacterNotFound = "CHARACTER_NOT_FOUND"
	CodeDeckEmpty         = "DECK_EMPTY"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeRemoteUnavailable = "REMOTE_UNAVAILABLE"
	CodeSyncFailed        = "SYNC_FAILED"
	CodeBusy              = "OPERATION_IN_FLIGHT"
	CodeChatNotReady      = "CHAT_NOT_READY"
	CodeAuthRequired      = "AUTH_REQUIRED"
	CodeInvalidToken      = "INVALID_TOKEN"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeInternal          = "INTERNAL_ERROR"
)

// AppError represents an application error with HTTP status code and error code
type AppError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	Stack      string `json:"-"`
	cause      error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is and errors.As
func (e *AppError) Unwrap() error {
	return e.cause
}

// Is matches another AppError by code
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Wrap attaches a cause to the error
func (e *AppError) Wrap(cause error) *AppError {
	e.cause = cause
	return e
}

// NewError creates a new application error
func NewError(statusCode int, code string, message string) *AppError {
	return &AppError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Stack:      string(debug.Stack()),
	}
}

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(code string, message string) *AppError {
	return NewError(http.StatusBadRequest, code, message)
}

// NewUnauthorizedError creates a 401 Unauthorized error
func NewUnauthorizedError(code string, message string) *AppError {
	return NewError(http.StatusUnauthorized, code, message)
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(code string, message string) *AppError {
	return NewError(http.StatusNotFound, code, message)
}

// NewConflictError creates a 409 Conflict error
func NewConflictError(code string, message string) *AppError {
	return NewError(http.StatusConflict, code, message)
}

// NewTooManyRequestsError creates a 429 error
func NewTooManyRequestsError(code string, message string) *AppError {
	return NewError(http.StatusTooManyRequests, code, message)
}

// NewInternalServerError creates a 500 Internal Server Error
func NewInternalServerError(code string, message string) *AppError {
	return NewError(http.StatusInternalServerError, code, message)
}

// NewServiceUnavailableError creates a 503 error
func NewServiceUnavailableError(code string, message string) *AppError {
	return NewError(http.StatusServiceUnavailable, code, message)
}

// ErrCharacterNotFound is returned when a conversation cannot be hydrated
func ErrCharacterNotFound(id string) *AppError {
	return NewNotFoundError(CodeCharacterNotFound, "character not found").
		WithDetails(map[string]string{"character_id": id})
}

// ErrDeckEmpty is returned when a swipe is issued on an empty deck
func ErrDeckEmpty() *AppError {
	return NewConflictError(CodeDeckEmpty, "no candidates left to swipe")
}

// ErrInvalidRequest is returned for malformed client input
func ErrInvalidRequest(message string) *AppError {
	return NewBadRequestError(CodeInvalidRequest, message)
}

// ErrRemoteUnavailable wraps a remote store failure
func ErrRemoteUnavailable(cause error) *AppError {
	return NewServiceUnavailableError(CodeRemoteUnavailable, "remote store unavailable").Wrap(cause)
}

// ErrSyncFailed wraps a failed reconciliation pass
func ErrSyncFailed(cause error) *AppError {
	return NewServiceUnavailableError(CodeSyncFailed, "synchronization failed").Wrap(cause)
}

// ErrBusy is returned when the same chat flow is already running
func ErrBusy() *AppError {
	return NewConflictError(CodeBusy, "operation already in progress")
}

// ErrChatNotReady is returned when a conversation has not been opened
func ErrChatNotReady(id string) *AppError {
	return NewConflictError(CodeChatNotReady, "conversation is not open").
		WithDetails(map[string]string{"character_id": id})
}

// Is checks if err is, or wraps, an AppError with the target's code
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == target.Code
}
