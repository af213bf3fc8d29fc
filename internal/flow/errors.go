package flow

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNoUsableToken is returned when the rotation ends without a single
	// request reaching the backend.
	ErrNoUsableToken = errors.New("all tokens are invalid or max attempts reached")

	// ErrNoOperations is returned by Submit when every path produced nothing.
	ErrNoOperations = errors.New("backend returned no operations")
)

// ErrorKind groups backend failures by how the client reacts to them.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	// KindAuth rotates to the next token without waiting.
	KindAuth
	// KindInvalidArgument advances the model ladder.
	KindInvalidArgument
	// KindTransient is retried on the same token after a backoff.
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindTransient:
		return "transient"
	default:
		return "other"
	}
}

// APIError is a failed call to the video backend. StatusCode is zero when
// the request never produced a response.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("backend request failed: %s", e.Message)
	}
	return fmt.Sprintf("backend request failed: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func (e *APIError) Kind() ErrorKind {
	switch {
	case e.StatusCode == 0:
		return KindTransient
	case e.StatusCode == http.StatusUnauthorized:
		return KindAuth
	case e.StatusCode == http.StatusBadRequest:
		return KindInvalidArgument
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode >= 500:
		return KindTransient
	default:
		return KindOther
	}
}

// IsRetryable returns true for server errors, rate limits and network errors.
func (e *APIError) IsRetryable() bool {
	return e.Kind() == KindTransient
}

// KindOf classifies any error returned by the client.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind()
	}
	return KindOther
}

// IsInvalidArgument reports whether the backend rejected the request body,
// either by status code or by an error text that says so.
func IsInvalidArgument(err error) bool {
	if err == nil {
		return false
	}
	if KindOf(err) == KindInvalidArgument {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid json") || strings.Contains(msg, "invalid argument")
}
