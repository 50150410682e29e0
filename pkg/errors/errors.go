package errors

import (
	stderrors "errors"
	"fmt"
)

// Standard error codes shared across packages.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeInternal        = "INTERNAL"
	CodeUnavailable     = "UNAVAILABLE"
	CodeClosed          = "CLOSED"
)

// AppError is the standard error type for the engine.
type AppError struct {
	// Code is a stable, machine-readable error code.
	Code string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// New creates an AppError with the given code, message and optional cause.
func New(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Wrap wraps an error with a message, preserving the code when err is
// already an AppError.
func Wrap(err error, message string) *AppError {
	code := CodeInternal
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		code = appErr.Code
	}
	return &AppError{Code: code, Message: message, Err: err}
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches AppErrors by code so sentinel comparisons work across wrapping.
func (e *AppError) Is(target error) bool {
	var appErr *AppError
	if stderrors.As(target, &appErr) {
		return e.Code == appErr.Code
	}
	return false
}

// HasCode reports whether the first AppError in err's chain carries the given
// code. AppErrors nested deeper in the chain are not consulted.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetCode extracts the code from an error chain, or CodeInternal for
// non-AppError errors.
func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Re-exported stdlib helpers so callers only import one errors package.

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }
