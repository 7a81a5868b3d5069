// errors.go -- Typed failures returned by the auth core.
//
// Every Service operation fails with *Error so the HTTP layer can map the
// code to a status without string matching.
package auth

import (
	"errors"
	"fmt"
)

// Code is the machine-readable failure category sent to clients.
type Code string

const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeConflict     Code = "CONFLICT"
	CodeNotFound     Code = "NOT_FOUND"
	CodeServer       Code = "SERVER_ERROR"
	CodeRateLimited  Code = "RATE_LIMITED"
)

// Error is a categorised auth failure.
// Message and Details are safe to show to clients; Err is internal only.
type Error struct {
	Code    Code
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the Code from err, SERVER_ERROR for anything untyped.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeServer
}

func validationError(details ...string) *Error {
	return &Error{Code: CodeValidation, Message: "validation failed", Details: details}
}

func unauthorized(message string) *Error {
	return &Error{Code: CodeUnauthorized, Message: message}
}

func conflict(message string) *Error {
	return &Error{Code: CodeConflict, Message: message}
}

func notFound(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message}
}

func rateLimited() *Error {
	return &Error{Code: CodeRateLimited, Message: "too many attempts, try again later"}
}

// serverError wraps an infrastructure failure. The message never reaches clients.
func serverError(op string, err error) *Error {
	return &Error{Code: CodeServer, Message: "internal server error", Err: fmt.Errorf("%s: %w", op, err)}
}
