// Package errors defines the coded error taxonomy shared by every layer of the
// approval service. Each code maps onto one HTTP status and one gRPC status.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code classifies an Error.
type Code string

const (
	ErrCodeValidation   Code = "VALIDATION_ERROR"
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeUnauthorized Code = "AUTHORIZATION_ERROR"
	ErrCodeInvalidState Code = "INVALID_STATE"
	ErrCodeConflict     Code = "CONCURRENCY_CONFLICT"
	ErrCodeInternal     Code = "INTERNAL"
)

// errorDomain is reported in gRPC ErrorInfo details.
const errorDomain = "approvals.pesio.ai"

// Error is a coded application error.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so callers can write
// errors.Is(err, errors.ErrConflict).
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Field == ""
}

// HTTPStatus returns the HTTP status code for the error.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeInvalidState, ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// GRPCStatus lets grpc-go convert the error into a status automatically.
func (e *Error) GRPCStatus() *status.Status {
	var c codes.Code
	switch e.Code {
	case ErrCodeValidation:
		c = codes.InvalidArgument
	case ErrCodeNotFound:
		c = codes.NotFound
	case ErrCodeUnauthorized:
		c = codes.PermissionDenied
	case ErrCodeInvalidState:
		c = codes.FailedPrecondition
	case ErrCodeConflict:
		c = codes.Aborted
	default:
		c = codes.Internal
	}

	st := status.New(c, e.Error())
	info := &errdetails.ErrorInfo{
		Reason: string(e.Code),
		Domain: errorDomain,
	}
	if e.Field != "" {
		info.Metadata = map[string]string{"field": e.Field}
	}
	std, err := st.WithDetails(info)
	if err != nil {
		return st
	}
	return std
}

// Sentinels for errors.Is checks.
var (
	ErrValidation   = &Error{Code: ErrCodeValidation}
	ErrNotFound     = &Error{Code: ErrCodeNotFound}
	ErrUnauthorized = &Error{Code: ErrCodeUnauthorized}
	ErrInvalidState = &Error{Code: ErrCodeInvalidState}
	ErrConflict     = &Error{Code: ErrCodeConflict}
	ErrInternal     = &Error{Code: ErrCodeInternal}
)

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error. Coded errors pass
// through untouched so the original classification survives.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	var coded *Error
	if stderrors.As(err, &coded) {
		return err
	}
	return &Error{Code: code, Message: message, Err: err}
}

// InvalidInput reports a missing or malformed field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeValidation, Field: field, Message: message}
}

// NotFound reports an unknown resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// Unauthorized reports an actor that may not perform the operation.
func Unauthorized(message string) *Error {
	return &Error{Code: ErrCodeUnauthorized, Message: message}
}

// InvalidState reports an operation attempted from a state that forbids it.
func InvalidState(message string) *Error {
	return &Error{Code: ErrCodeInvalidState, Message: message}
}

// Conflict reports a lost compare-and-swap.
func Conflict(message string) *Error {
	return &Error{Code: ErrCodeConflict, Message: message}
}

// CodeOf returns the code of err, or ErrCodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.Code
	}
	return ErrCodeInternal
}

// HTTPStatusOf returns the HTTP status for any error.
func HTTPStatusOf(err error) int {
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// Is and As re-export the standard helpers so callers need a single import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
