package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error is the single error kind returned for failed remote requests. It
// covers both application failures (HTTP status >= 400, never retried) and
// transport failures once retries are exhausted. Callers distinguish the
// two by inspecting StatusCode: zero means the request never produced a
// response.
type Error struct {
	// StatusCode is the HTTP status of the response, or 0 for
	// transport-level failures.
	StatusCode int

	// Message is the message field of the JSON error body, when present,
	// or a short description of the failure.
	Message string

	// Err is the underlying transport error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode != 0 {
		if e.Message != "" {
			return fmt.Sprintf("remote returned %d: %s", e.StatusCode, e.Message)
		}
		return fmt.Sprintf("remote returned %d", e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying transport error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transport reports whether the failure happened before any HTTP response
// was received.
func (e *Error) Transport() bool {
	return e.StatusCode == 0
}

// IsNotFound reports whether err is a remote 404.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// newStatusError builds an *Error from an HTTP error response, extracting
// the message field from a JSON error body when one is present.
func newStatusError(status int, body []byte) *Error {
	e := &Error{StatusCode: status}

	var errBody struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &errBody); err == nil && errBody.Message != "" {
		e.Message = errBody.Message
	} else if len(body) > 0 {
		e.Message = string(body)
	}

	return e
}
