package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrRetryAborted = errors.New("retry aborted")

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context) error

// BackoffFunc returns how long to wait after the given failed attempt (0-based)
type BackoffFunc func(attempt int) time.Duration

// RetryForever calls fn until it succeeds. There is no attempt limit: it only gives
// up when ctx is done or fn returns a context error.
func RetryForever(ctx context.Context, backoff BackoffFunc, fn RetryFunc) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if !isRetryable(err) {
			return err
		}

		timer := time.NewTimer(backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrRetryAborted, ctx.Err())
		case <-timer.C:
		}
	}
}

// isRetryable determines if an error should trigger a retry
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// ConstantBackoff returns a constant backoff duration
func ConstantBackoff(duration time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return duration
	}
}
