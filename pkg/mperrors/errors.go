// Package mperrors provides the structured error taxonomy shared by every
// component that talks to the Provider or the local store.
package mperrors

import (
	"errors"
	"fmt"
	"time"
)

// Type distinguishes the error taxonomy from spec §7.
type Type string

const (
	// TypeAuthenticationFailure marks invalid or revoked credentials. Never retried.
	TypeAuthenticationFailure Type = "authentication_failure"
	// TypeRateLimited marks a Provider-advertised throttle, retried internally
	// up to the retry budget and surfaced only after exhaustion.
	TypeRateLimited Type = "rate_limited"
	// TypeQueryError marks a caller-correctable 4xx response. Never retried.
	TypeQueryError Type = "query_error"
	// TypeServerError marks a 5xx response surfaced after retries are exhausted.
	TypeServerError Type = "server_error"
	// TypeTransportError marks a network/IO failure, retried up to the budget.
	TypeTransportError Type = "transport_error"
	// TypeProtocolError marks a malformed Provider response body. Not retried.
	TypeProtocolError Type = "protocol_error"
	// TypeTableExists marks a storage precondition failure on create.
	TypeTableExists Type = "table_exists"
	// TypeTableNotFound marks a storage precondition failure on append.
	TypeTableNotFound Type = "table_not_found"
)

// Error is the structured error every component returns. It never embeds the
// Credentials secret in Message, Cause, or Details — callers may log it freely.
type Error struct {
	Type       Type
	Message    string
	Cause      error
	Endpoint   string
	RetryAfter time.Duration
	Details    map[string]interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a key/value pair for structured logging and returns e.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an Error of the given type.
func New(t Type, message string) *Error {
	return &Error{Type: t, Message: message}
}

// Wrap wraps cause with additional context, preserving its type's retry
// semantics only when the caller re-specifies the type explicitly.
func Wrap(cause error, t Type, message string) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Type: t, Message: message, Cause: cause}
}

// IsRetryable reports whether err belongs to a class that Transport retries
// internally: rate limits, server errors, and transport failures.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Type {
	case TypeRateLimited, TypeServerError, TypeTransportError:
		return true
	default:
		return false
	}
}

// IsType reports whether err is an *Error of type t.
func IsType(err error, t Type) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == t
}

// As is a thin re-export of errors.As so callers don't need both imports.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
