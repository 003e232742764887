// Package apperr holds the error kinds shared by the composition, staging and
// deletion components, and their mapping onto HTTP statuses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError is bad input shape. It is returned before any side effect.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// TransportError is an upload or network failure that was either rejected
// outright by the server or outlived its retry budget.
type TransportError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("%s: retries exhausted: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// InvalidSourceError names an input that did not parse as a PDF.
type InvalidSourceError struct {
	Path string
	Err  error
}

func (e *InvalidSourceError) Error() string {
	return fmt.Sprintf("invalid PDF source %q: %v", e.Path, e.Err)
}

func (e *InvalidSourceError) Unwrap() error { return e.Err }

// SizeLimitError is returned when the combined merge input exceeds the
// configured ceiling. It counts as a validation failure.
type SizeLimitError struct {
	Total int64
	Limit int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("combined input of %d bytes exceeds the %d byte limit", e.Total, e.Limit)
}

// NotFoundError is a missing session, merge result or document.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// FatalError marks the failure of the final, irreversible step of a
// multi-step operation. Earlier steps already mutated state.
type FatalError struct {
	Step string
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s failed after earlier steps completed: %v", e.Step, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is a ValidationError or SizeLimitError.
func IsValidation(err error) bool {
	var ve *ValidationError
	var se *SizeLimitError
	return errors.As(err, &ve) || errors.As(err, &se)
}

// HTTPStatus maps an error onto the status code an entry point answers with.
func HTTPStatus(err error) int {
	var (
		ts *TransportError
		is *InvalidSourceError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &is):
		return http.StatusUnprocessableEntity
	case errors.As(err, &ts):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
