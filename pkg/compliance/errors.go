package compliance

import (
	"errors"
	"fmt"
)

// Sentinel errors for remote service outcomes.
var (
	// ErrNotFound indicates the requested remote resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrTransient indicates a retriable server-side or throttling failure.
	ErrTransient = errors.New("transient service error")

	// ErrUnauthorized indicates the credential was rejected after refresh.
	ErrUnauthorized = errors.New("credential rejected")

	// ErrFatal indicates a non-retriable client-side rejection.
	ErrFatal = errors.New("request rejected")
)

// Outcome is the coarse classification of an HTTP response.
type Outcome int

const (
	// OutcomeSuccess is any 2xx response.
	OutcomeSuccess Outcome = iota

	// OutcomeNotFound is a 404 response.
	OutcomeNotFound

	// OutcomeTransient covers throttling and server-side failures that
	// are worth retrying: 408, 429, and all 5xx.
	OutcomeTransient

	// OutcomeFatal is everything else; retrying will not help.
	OutcomeFatal
)

// Classify maps an HTTP status code to an Outcome.
func Classify(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status == 404:
		return OutcomeNotFound
	case status == 408 || status == 429 || status >= 500:
		return OutcomeTransient
	default:
		return OutcomeFatal
	}
}

// StatusError wraps a non-success response with enough context to diagnose
// it. It unwraps to the sentinel matching its classification so callers can
// use errors.Is without inspecting status codes.
type StatusError struct {
	// Op is the operation that failed (e.g., "CreateCase").
	Op string

	// Status is the HTTP status code returned by the service.
	Status int

	// Body is the raw response body, preserved verbatim for diagnosis.
	Body []byte
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("%s: service returned %d: %s", e.Op, e.Status, truncate(e.Body, 512))
	}
	return fmt.Sprintf("%s: service returned %d", e.Op, e.Status)
}

// Unwrap returns the classification sentinel for errors.Is support.
func (e *StatusError) Unwrap() error {
	switch Classify(e.Status) {
	case OutcomeNotFound:
		return ErrNotFound
	case OutcomeTransient:
		return ErrTransient
	default:
		if e.Status == 401 || e.Status == 403 {
			return ErrUnauthorized
		}
		return ErrFatal
	}
}

// NewStatusError builds a StatusError for a non-success response.
// The body slice is copied so callers may reuse their buffer.
func NewStatusError(op string, status int, body []byte) *StatusError {
	b := make([]byte, len(body))
	copy(b, body)
	return &StatusError{Op: op, Status: status, Body: b}
}

// IsNotFound reports whether err indicates a missing remote resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient reports whether err indicates a retriable service failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsUnauthorized reports whether err indicates a rejected credential.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
