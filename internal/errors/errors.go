// Package errors defines the coded errors shared by stores, services and transports.
//
// Stores return these codes so callers can branch on the failure kind without
// depending on a concrete backend. Use Is or one of the Is* helpers rather than
// comparing messages.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode categorises an AppError.
type ErrorCode string

const (
	ErrCodeNotFound     ErrorCode = "not_found"
	ErrCodeConflict     ErrorCode = "conflict"
	ErrCodeValidation   ErrorCode = "validation"
	ErrCodePrecondition ErrorCode = "precondition" // conditional write lost a race
	ErrCodeUnavailable  ErrorCode = "unavailable"  // store or transport unreachable
	ErrCodeInternal     ErrorCode = "internal"
	ErrCodeTimeout      ErrorCode = "timeout"
	ErrCodeCanceled     ErrorCode = "canceled"
)

// AppError carries a code, a message, and optionally the offending field and cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Field   string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *AppError) Unwrap() error { return e.Cause }

// New returns an AppError with the given code.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches code and message to err. It returns nil when err is nil.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

func NotFound(message string) *AppError     { return New(ErrCodeNotFound, message) }
func Conflict(message string) *AppError     { return New(ErrCodeConflict, message) }
func Validation(message string) *AppError   { return New(ErrCodeValidation, message) }
func Precondition(message string) *AppError { return New(ErrCodePrecondition, message) }
func Unavailable(message string) *AppError  { return New(ErrCodeUnavailable, message) }

func Conflictf(format string, args ...any) *AppError {
	return New(ErrCodeConflict, fmt.Sprintf(format, args...))
}

// ValidationField reports invalid input for a named field.
func ValidationField(field, message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, Field: field}
}

// Is reports whether any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

func IsNotFound(err error) bool     { return Is(err, ErrCodeNotFound) }
func IsConflict(err error) bool     { return Is(err, ErrCodeConflict) }
func IsValidation(err error) bool   { return Is(err, ErrCodeValidation) }
func IsPrecondition(err error) bool { return Is(err, ErrCodePrecondition) }
func IsUnavailable(err error) bool  { return Is(err, ErrCodeUnavailable) }

// GetCode returns the code of the first AppError in err's chain, or "".
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetField returns the field of the first AppError in err's chain, or "".
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
