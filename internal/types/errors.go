package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Components use these instead of hardcoded strings
// so that callers can branch on the failure class with errors.As.
const (
	// Persistence: the audit log could not be written. Always escalated;
	// the caller must not acknowledge the source message.
	ErrCodeInternalDB ErrorCode = "internal_database_error"

	// Catch-all for faults with no more specific classification.
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"

	// Broker connectivity: publish or receive against the message bus
	// failed. Workers back off and reconnect rather than crash.
	ErrCodeBrokerUnavailable ErrorCode = "broker_unavailable"

	// Payloads that fail to deserialize or carry unrecognized enum tags.
	// Recorded best-effort and acknowledged, never retried.
	ErrCodeMalformedMessage ErrorCode = "malformed_message"

	// Configuration rejected at startup (fail fast).
	ErrCodeConfigInvalid ErrorCode = "config_invalid"
)

// AppError is the standard application error type used throughout the
// pipeline. Domain errors are expressed as AppError to enable consistent
// formatting and error chain support.
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsPersistenceError reports whether err carries the persistence failure
// code. The dispatcher and intake use this to decide between "leave the
// message on the queue" and normal retry/dead-letter handling.
func IsPersistenceError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeInternalDB
	}
	return false
}
