package scorer

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidRequest marks a request rejected locally before it reaches the network.
var ErrInvalidRequest = errors.New("invalid scoring request")

// ErrUnavailable indicates the scoring capability reported itself unhealthy.
var ErrUnavailable = errors.New("scoring capability unavailable")

// StatusError reports a non-2xx response from the scoring capability.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("scorer %s: unexpected status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("scorer %s: unexpected status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt. 4xx responses are final.
func (e *StatusError) Retryable() bool {
	return e.StatusCode < 400 || e.StatusCode >= 500
}

// IsRetryable classifies an error returned by a single scorer attempt.
// Client errors (4xx), local validation failures and caller cancellation are final;
// timeouts, 5xx and transport failures are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidRequest) || errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}

// IsClientError reports whether err carries a 4xx classification.
func IsClientError(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 400 && statusErr.StatusCode < 500
	}
	return errors.Is(err, ErrInvalidRequest)
}
