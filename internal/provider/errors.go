package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FailureClass splits provider errors into the two classes the pipeline
// treats differently: transient failures are retried and count toward the
// circuit breaker; permanent failures are dead-lettered on first sight and
// never touch breaker state.
type FailureClass string

const (
	FailureTransient FailureClass = "transient"
	FailurePermanent FailureClass = "permanent"
)

// Error is the typed error returned by provider clients. StatusCode is the
// provider's HTTP-equivalent status when one exists, zero otherwise.
type Error struct {
	Provider   string
	Class      FailureClass
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransientError builds a transient provider error.
func NewTransientError(providerName, message string, statusCode int, err error) *Error {
	return &Error{Provider: providerName, Class: FailureTransient, StatusCode: statusCode, Message: message, Err: err}
}

// NewPermanentError builds a permanent provider error.
func NewPermanentError(providerName, message string, statusCode int, err error) *Error {
	return &Error{Provider: providerName, Class: FailurePermanent, StatusCode: statusCode, Message: message, Err: err}
}

// Classify maps an error from a provider call onto a failure class.
// Timeouts, connection failures, and anything a client did not explicitly
// mark permanent are treated as transient: under at-least-once delivery an
// unknown fault is retried up to the attempt cap rather than dead-lettered
// outright.
func Classify(err error) FailureClass {
	var provErr *Error
	if errors.As(err, &provErr) {
		return provErr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureTransient
	}
	return FailureTransient
}

// ClassifyStatus maps an HTTP status code from a provider onto a failure
// class: 5xx and 429 are provider-health problems (transient), remaining
// 4xx are delivery-target problems (permanent).
func ClassifyStatus(status int) FailureClass {
	switch {
	case status == 429:
		return FailureTransient
	case status >= 500:
		return FailureTransient
	case status >= 400:
		return FailurePermanent
	}
	return FailureTransient
}
