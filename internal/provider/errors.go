package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMissingCredentials is returned by Chat when no API key is configured.
var ErrMissingCredentials = errors.New("provider credentials are not configured")

// Error is a non-2xx answer from a provider API.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
