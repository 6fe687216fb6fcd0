package scorer

import (
	"context"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
)

// RetryPolicy configures linear backoff: the wait before attempt n (n >= 2) is BaseDelay*(n-1).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy returns three attempts with a one second base delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: defaultMaxAttempts, BaseDelay: defaultBaseDelay}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	return p
}

// Delay returns the wait before the given attempt number.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	return p.BaseDelay * time.Duration(attempt-1)
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc backed by a timer.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retrier runs an operation under a RetryPolicy.
type Retrier struct {
	Policy RetryPolicy
	Sleep  SleepFunc
	// OnRetry is invoked before each wait with the upcoming attempt number.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// WithRetry executes op until it succeeds, returns a non-retryable error, or the
// policy's attempts are exhausted. The last error is returned on exhaustion.
func WithRetry[T any](ctx context.Context, r Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	policy := r.Policy.normalized()
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := policy.Delay(attempt)
			if r.OnRetry != nil {
				r.OnRetry(attempt, delay, lastErr)
			}
			if err := sleep(ctx, delay); err != nil {
				return zero, lastErr
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) || ctx.Err() != nil {
			return zero, err
		}
	}

	return zero, lastErr
}
