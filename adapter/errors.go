package nimbus

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrInvalidCredentials is returned when the API rejects the configured
	// username/password pair.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrNoCredentials is returned when a token is requested before
	// Authenticate has supplied a credential pair.
	ErrNoCredentials = errors.New("no credentials")

	// ErrRateLimited is returned when the API throttles the client.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnreachable is returned when the Nimbus host cannot be contacted.
	ErrUnreachable = errors.New("host unreachable")

	// ErrUnexpected is returned for API failures outside the categories above.
	ErrUnexpected = errors.New("unexpected API failure")
)

// APIError carries the upstream status and message of a failed call that
// does not map to a more specific category.
type APIError struct {
	// StatusCode is the HTTP status reported by the API.
	StatusCode int
	// Message is the upstream error detail, the raw body when unparseable.
	Message string
}

// Error returns a human-readable description of the API failure.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("nimbus API error: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("nimbus API error: HTTP %d", e.StatusCode)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrUnexpected).
func (e *APIError) Is(target error) bool {
	return target == ErrUnexpected
}

// RateLimitError is returned when the API throttles the client (HTTP 429).
type RateLimitError struct {
	// RetryAfter is the server-suggested wait; zero when the response
	// carried no Retry-After header.
	RetryAfter time.Duration
}

// Error returns a human-readable description of the throttling.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrRateLimited).
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// UnreachableError is returned when the Nimbus host cannot be contacted
// at the transport level.
type UnreachableError struct {
	// Cause is the underlying transport error.
	Cause error
}

// Error returns a human-readable description of the connection failure.
func (e *UnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("host unreachable: %v", e.Cause)
	}
	return "host unreachable"
}

// Unwrap returns the underlying transport error.
func (e *UnreachableError) Unwrap() error {
	return e.Cause
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrUnreachable).
func (e *UnreachableError) Is(target error) bool {
	return target == ErrUnreachable
}
