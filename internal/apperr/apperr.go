// Package apperr defines the error codes shared by every HTTP surface and the
// mapping from those codes to status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code categorizes an error for clients. Every Code maps to exactly one HTTP status.
type Code string

const (
	CodeUnauthenticated  Code = "unauthenticated"
	CodeUnauthorized     Code = "unauthorized"
	CodeRateLimited      Code = "rate_limited"
	CodeValidation       Code = "validation"
	CodeNotFound         Code = "not_found"
	CodeConflict         Code = "conflict"
	CodeDispatchFailed   Code = "dispatch_failed"
	CodeGenerationFailed Code = "generation_failed"
	CodeInternal         Code = "internal"
)

var statusByCode = map[Code]int{
	CodeUnauthenticated:  http.StatusUnauthorized,
	CodeUnauthorized:     http.StatusForbidden,
	CodeRateLimited:      http.StatusTooManyRequests,
	CodeValidation:       http.StatusBadRequest,
	CodeNotFound:         http.StatusNotFound,
	CodeConflict:         http.StatusConflict,
	CodeDispatchFailed:   http.StatusServiceUnavailable,
	CodeGenerationFailed: http.StatusInternalServerError,
	CodeInternal:         http.StatusInternalServerError,
}

// generic messages used when the error carries none, or when it is not an *Error.
var defaultMessages = map[Code]string{
	CodeUnauthenticated:  "authentication required",
	CodeUnauthorized:     "insufficient permissions",
	CodeRateLimited:      "rate limit exceeded",
	CodeValidation:       "invalid request",
	CodeNotFound:         "not found",
	CodeConflict:         "conflict",
	CodeDispatchFailed:   "could not start report generation",
	CodeGenerationFailed: "Failed to generate wrapped",
	CodeInternal:         "internal server error",
}

// Codes returns every defined code.
func Codes() []Code {
	return []Code{
		CodeUnauthenticated,
		CodeUnauthorized,
		CodeRateLimited,
		CodeValidation,
		CodeNotFound,
		CodeConflict,
		CodeDispatchFailed,
		CodeGenerationFailed,
		CodeInternal,
	}
}

// Error is an error that is safe to show to a client. Message must never carry
// internal detail; Cause may, and is only ever logged.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New returns an *Error with the given code and client-facing message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and client-facing message to err. It returns nil if err is nil.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

func Unauthenticated() *Error { return New(CodeUnauthenticated, defaultMessages[CodeUnauthenticated]) }
func Unauthorized() *Error    { return New(CodeUnauthorized, defaultMessages[CodeUnauthorized]) }
func RateLimited() *Error     { return New(CodeRateLimited, defaultMessages[CodeRateLimited]) }

func Validation(message string) *Error { return New(CodeValidation, message) }
func NotFound(message string) *Error   { return New(CodeNotFound, message) }
func Conflict(message string) *Error   { return New(CodeConflict, message) }

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		if _, ok := statusByCode[ae.Code]; ok {
			return ae.Code
		}
	}
	return CodeInternal
}

// StatusOf returns the HTTP status for code. Unknown codes map to 500.
func StatusOf(code Code) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// PublicMessage returns the client-facing message for err. Errors that are not an
// *Error always get the generic message of CodeInternal.
func PublicMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		if _, ok := statusByCode[ae.Code]; ok {
			if ae.Message != "" {
				return ae.Message
			}
			return defaultMessages[ae.Code]
		}
	}
	return defaultMessages[CodeInternal]
}

// DefaultMessage returns the generic message for code.
func DefaultMessage(code Code) string {
	if m, ok := defaultMessages[code]; ok {
		return m
	}
	return defaultMessages[CodeInternal]
}
