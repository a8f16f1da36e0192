package client

import (
	"errors"
	"fmt"
	"time"
)

// ErrCredentialRejected is returned when the provider refuses the API key.
// It is fatal for a run: no other request can succeed either.
var ErrCredentialRejected = errors.New("provider rejected credentials")

// FetchFailedError is returned once the retry policy is exhausted on a
// transient failure
type FetchFailedError struct {
	Resource string
	Attempts int
	Cause    error
}

func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempts: %v", e.Resource, e.Attempts, e.Cause)
}

func (e *FetchFailedError) Unwrap() error { return e.Cause }

// FetchRejectedError is a non-transient 4xx response. It is never retried.
type FetchRejectedError struct {
	Resource   string
	StatusCode int
	Body       string
}

func (e *FetchRejectedError) Error() string {
	return fmt.Sprintf("fetch %s rejected with status %d: %s", e.Resource, e.StatusCode, e.Body)
}

// statusError is a retryable HTTP status
type statusError struct {
	StatusCode int
	Body       string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider returned retryable status %d: %s", e.StatusCode, e.Body)
}

// IsFatal reports whether err should abort the whole run
func IsFatal(err error) bool {
	return errors.Is(err, ErrCredentialRejected)
}
