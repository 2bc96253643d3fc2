package alembic

import (
	"fmt"
	"net/http"
)

// HTTPError represents an application failure with an explicit status code.
// An empty Message produces a response without a body.
type HTTPError struct {
	Code    int
	Message string
	err     error
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%d %s", e.Code, http.StatusText(e.Code))
}

// Unwrap returns the underlying cause, if any.
func (e *HTTPError) Unwrap() error { return e.err }

// NewHTTPError creates a new HTTPError.
func NewHTTPError(code int, message string) *HTTPError {
	return &HTTPError{Code: code, Message: message}
}

// WithCause attaches an underlying error for logging and errors.Is. It is never
// rendered into the response.
func (e *HTTPError) WithCause(err error) *HTTPError {
	e.err = err
	return e
}

// ErrNotFound is returned when no handler matches the request.
var ErrNotFound = NewHTTPError(http.StatusNotFound, "")

// ValidationError reports a request body that does not satisfy the expected
// shape. Field names follow the json tags of the target type.
type ValidationError struct {
	// Field is the offending field, empty when the whole body is at fault.
	Field string
	// Expected is the type the field should have had, empty for a missing field.
	Expected string
	// Message overrides the generated description.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Field != "" && e.Expected != "":
		return fmt.Sprintf("field %q must be of type %s", e.Field, e.Expected)
	case e.Field != "":
		return fmt.Sprintf("missing required field %q", e.Field)
	default:
		return "invalid request body"
	}
}
