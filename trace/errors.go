package trace

import (
	"errors"
	"fmt"
)

// Code classifies a failure so callers can tell "fix your input" from
// "try again later" from "you're not allowed".
type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeNotFound      Code = "NOT_FOUND"
	CodeAuthorization Code = "AUTHORIZATION_ERROR"
	CodeConflict      Code = "CONFLICT"
	CodeProtocol      Code = "PROTOCOL_ERROR"
	CodeConnectivity  Code = "CONNECTIVITY_ERROR"
)

// Error is the error type returned by every operation in this package
type Error struct {
	Code    Code
	Message string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so errors.Is(err, ErrConflict)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the caller may retry the same request unchanged.
func (e *Error) Retryable() bool {
	return e.Code == CodeConnectivity
}

var (
	ErrValidation    = &Error{Code: CodeValidation, Message: "invalid input"}
	ErrNotFound      = &Error{Code: CodeNotFound, Message: "not found"}
	ErrAuthorization = &Error{Code: CodeAuthorization, Message: "not authorized"}
	ErrConflict      = &Error{Code: CodeConflict, Message: "conflict"}
	ErrProtocol      = &Error{Code: CodeProtocol, Message: "malformed external encoding"}
	ErrConnectivity  = &Error{Code: CodeConnectivity, Message: "ledger store unreachable"}
)

// CodeOf returns the code of err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is a transient ledger failure.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

func newError(code Code, message, format string, args ...any) *Error {
	return &Error{Code: code, Message: message, Detail: fmt.Sprintf(format, args...)}
}

func validationError(format string, args ...any) *Error {
	return newError(CodeValidation, "invalid input", format, args...)
}

func notFoundError(batchNumber string) *Error {
	return newError(CodeNotFound, "batch not found", "batch %s does not exist", batchNumber)
}

func conflictError(format string, args ...any) *Error {
	return newError(CodeConflict, "conflicting request", format, args...)
}

func protocolError(format string, args ...any) *Error {
	return newError(CodeProtocol, "malformed external encoding", format, args...)
}

// Connectivity wraps a transient store failure. Store implementations use it
// to mark errors the tracer may retry.
func Connectivity(err error, format string, args ...any) *Error {
	e := newError(CodeConnectivity, "ledger store unreachable", format, args...)
	e.Err = err
	return e
}

// Conflict builds a CONFLICT error for store implementations that detect a
// stale version or an out-of-order append.
func Conflict(format string, args ...any) *Error {
	return conflictError(format, args...)
}

// Protocol builds a PROTOCOL_ERROR for store implementations that receive a
// payload they cannot decode.
func Protocol(format string, args ...any) *Error {
	return protocolError(format, args...)
}

// NotFound builds a NOT_FOUND error for an unknown batch.
func NotFound(batchNumber string) *Error {
	return notFoundError(batchNumber)
}

// Validation builds a VALIDATION_ERROR for input rejected outside the core.
func Validation(format string, args ...any) *Error {
	return validationError(format, args...)
}

// Unauthorized builds an AUTHORIZATION_ERROR for callers without a valid
// session.
func Unauthorized(format string, args ...any) *Error {
	return newError(CodeAuthorization, "not authorized", format, args...)
}
