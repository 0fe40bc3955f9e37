// Package apierror defines the error taxonomy surfaced by the web API.
package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Error is an API-facing error with its HTTP status. Internal and storage
// errors carry a correlation ID that is both logged and surfaced to the
// client for support.
type Error struct {
	Status        int
	Detail        string
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.Err)
	}
	return e.Detail
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound reports a missing resource.
func NotFound(detail string) *Error {
	return &Error{Status: http.StatusNotFound, Detail: detail}
}

// AlreadyExists reports a duplicate resource. Cargo expects 400 here, not 409.
func AlreadyExists(detail string) *Error {
	return &Error{Status: http.StatusBadRequest, Detail: detail}
}

// Unauthorized reports a missing or invalid authentication.
func Unauthorized(detail string) *Error {
	return &Error{Status: http.StatusUnauthorized, Detail: detail}
}

// Forbidden reports an authenticated but disallowed request.
func Forbidden(detail string) *Error {
	return &Error{Status: http.StatusForbidden, Detail: detail}
}

// Invalid reports malformed input.
func Invalid(detail string) *Error {
	return &Error{Status: http.StatusBadRequest, Detail: detail}
}

// Conflict reports a request conflicting with current resource state.
func Conflict(detail string) *Error {
	return &Error{Status: http.StatusConflict, Detail: detail}
}

// Upstream reports a failure of an upstream registry or identity provider.
func Upstream(source string, err error) *Error {
	return &Error{
		Status: http.StatusBadGateway,
		Detail: fmt.Sprintf("upstream %s failed", source),
		Err:    err,
	}
}

// Storage reports a blob or database failure.
func Storage(err error) *Error {
	return &Error{
		Status:        http.StatusInternalServerError,
		Detail:        "storage failure",
		CorrelationID: uuid.NewString(),
		Err:           err,
	}
}

// Internal reports an unexpected failure.
func Internal(err error) *Error {
	return &Error{
		Status:        http.StatusInternalServerError,
		Detail:        "internal server error",
		CorrelationID: uuid.NewString(),
		Err:           err,
	}
}

// ResponseBody is the wire shape of error responses.
type ResponseBody struct {
	Errors []ResponseDetail `json:"errors"`
}

// ResponseDetail is one error in the response body.
type ResponseDetail struct {
	Detail string `json:"detail"`
}

// Body renders the error to the wire shape. Correlation IDs are appended to
// the detail so users can quote them in support requests.
func (e *Error) Body() ResponseBody {
	detail := e.Detail
	if e.CorrelationID != "" {
		detail = fmt.Sprintf("%s (correlation %s)", detail, e.CorrelationID)
	}
	return ResponseBody{Errors: []ResponseDetail{{Detail: detail}}}
}

// From coerces any error to an *Error, wrapping unknown errors as Internal.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal(err)
}
