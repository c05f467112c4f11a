package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is an internal error code. The set of codes is closed; transports map
// each code to a status without inspecting messages.
type Code string

const (
	CodeObjectNotFound      Code = "OBJECT_NOT_FOUND"
	CodeShortnameExists     Code = "SHORTNAME_ALREADY_EXIST"
	CodeLockedEntry         Code = "LOCKED_ENTRY"
	CodeNotAllowed          Code = "NOT_ALLOWED"
	CodeNotAllowedLocation  Code = "NOT_ALLOWED_LOCATION"
	CodeDataShouldBeUnique  Code = "DATA_SHOULD_BE_UNIQUE"
	CodeConflict            Code = "CONFLICT"
	CodeTicketAlreadyClosed Code = "TICKET_ALREADY_CLOSED"
	CodeInvalidTicketStatus Code = "INVALID_TICKET_STATUS"
	CodeMissingData         Code = "MISSING_DATA"
	CodeInvalidData         Code = "INVALID_DATA"
	CodeSchemaViolation     Code = "SCHEMA_VIOLATION"
	CodeProviderFailure     Code = "PROVIDER_FAILURE"
)

// Error is the uniform failure value surfaced by public operations.
type Error struct {
	Status  int    `json:"status"`
	Type    string `json:"type"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause attaches an underlying error and returns the receiver.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// statusFor maps a code to its canonical HTTP status.
func statusFor(code Code) int {
	switch code {
	case CodeObjectNotFound:
		return http.StatusNotFound
	case CodeNotAllowed:
		return http.StatusUnauthorized
	case CodeShortnameExists, CodeLockedEntry, CodeDataShouldBeUnique, CodeConflict:
		return http.StatusConflict
	case CodeProviderFailure:
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

func typeFor(code Code) string {
	switch code {
	case CodeNotAllowed:
		return "access"
	case CodeObjectNotFound:
		return "db"
	case CodeSchemaViolation, CodeInvalidData, CodeMissingData:
		return "validation"
	case CodeTicketAlreadyClosed, CodeInvalidTicketStatus:
		return "transition"
	default:
		return "request"
	}
}

// NewError builds an *Error for the given code with a formatted message.
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{
		Status:  statusFor(code),
		Type:    typeFor(code),
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// NotFound is shorthand for the most common failure.
func NotFound(space, subpath, shortname string) *Error {
	return NewError(CodeObjectNotFound, "entry %s/%s/%s does not exist", space, subpath, shortname)
}

// IsCode reports whether err is (or wraps) an *Error with the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the internal code from err, defaulting to PROVIDER_FAILURE
// for errors that escaped classification.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeProviderFailure
}
