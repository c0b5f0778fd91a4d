// Package errx maps failures onto HTTP statuses and caller-safe messages.
package errx

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
)

// AppError wraps an underlying error with an HTTP status and safe message.
type AppError struct {
	Err     error
	Status  int
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Status:  status,
		Message: message,
	}
}

// Validation reports a malformed or semantically invalid request.
func Validation(message string) *AppError {
	return New(nil, http.StatusBadRequest, message)
}

// Resolution reports an agent identifier that matches no backend.
func Resolution(message string) *AppError {
	return New(nil, http.StatusBadRequest, message)
}

// NotFound reports a referenced resource that does not exist.
func NotFound(message string) *AppError {
	return New(nil, http.StatusNotFound, message)
}

// Upstream wraps a failure of the model provider or a tool backend.
func Upstream(err error, message string) *AppError {
	return New(err, http.StatusBadGateway, message)
}

// Unavailable reports a dependency that is temporarily refusing work.
func Unavailable(err error, message string) *AppError {
	return New(err, http.StatusServiceUnavailable, message)
}

// StatusOf returns the HTTP status carried by err, or 500.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// MessageOf returns the caller-visible message for err. Upstream failures
// include the underlying reason so it is surfaced instead of swallowed.
func MessageOf(err error) string {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return SystemErrorMessage
	}
	if appErr.Status >= http.StatusInternalServerError && appErr.Err != nil {
		return appErr.Error()
	}
	return appErr.Message
}
