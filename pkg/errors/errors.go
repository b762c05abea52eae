// Package errors defines the error taxonomy shared by the recognizer, its
// HTTP/RPC boundary and the CLI: sentinel errors, an AppError carrying a
// status code, and mappings to HTTP statuses and process exit codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInsufficientData = errors.New("insufficient training data")
	ErrModelNotReady    = errors.New("model not ready")
	ErrStorage          = errors.New("storage failure")
	ErrAlphabetNotFound = errors.New("alphabet not found")
	ErrSymbolNotFound   = errors.New("symbol not found")
	ErrDrawingNotFound  = errors.New("drawing not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInternal         = errors.New("internal error")
	ErrTimeout          = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Storage wraps err as a storage failure for the given path.
func Storage(path string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, path, err)
}

// Is and As are re-exported so callers importing this package under the
// name "errors" keep the standard helpers.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrAlphabetNotFound), errors.Is(err, ErrSymbolNotFound), errors.Is(err, ErrDrawingNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientData), errors.Is(err, ErrModelNotReady):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ExitCode maps an error to the CLI process exit code. nil maps to 0.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidInput):
		return 11
	case errors.Is(err, ErrAlphabetNotFound):
		return 31
	case errors.Is(err, ErrSymbolNotFound):
		return 32
	case errors.Is(err, ErrDrawingNotFound):
		return 33
	case errors.Is(err, ErrInsufficientData), errors.Is(err, ErrModelNotReady):
		return 40
	default:
		return 1
	}
}
