package guard

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuthRequired matches every *AuthRequiredError.
	ErrAuthRequired = errors.New("authentication required")
	// ErrClosed is returned for operations on a closed or failed connection.
	ErrClosed = errors.New("connection closed")
	// ErrInProgress is returned when an exchange is started twice.
	ErrInProgress = errors.New("connection already started")
)

// AuthRequiredError signals that the server rejected the request for lack
// of valid credentials. URL is the original request URL with credentials
// removed; the caller sends the user through login and replays it.
type AuthRequiredError struct {
	URL string
}

func (e *AuthRequiredError) Error() string {
	return "authentication required for " + e.URL
}

// Is reports whether target is ErrAuthRequired.
func (e *AuthRequiredError) Is(target error) bool {
	return target == ErrAuthRequired
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return "server responded " + e.Status
	}
	return fmt.Sprintf("server responded %d %s", e.Code, http.StatusText(e.Code))
}

// StatusCode returns the HTTP status.
func (e *StatusError) StatusCode() int { return e.Code }

// TransportError is any failure other than missing authentication. Detail
// holds the server-supplied error message when it was deemed useful.
type TransportError struct {
	URL    string
	Status int
	Detail string
	Err    error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status, or 0 when no response was received.
func (e *TransportError) StatusCode() int { return e.Status }
