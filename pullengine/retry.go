package pullengine

import (
	"context"
	"time"
)

const (
	retryBaseDelay = 5 * time.Second
	retryMaxAttempts = 3
)

// WithRetry calls fn up to retryMaxAttempts times with exponential
// backoff (base 5s) between attempts, per spec §4.6's transient-failure
// policy for worker network operations. Returns the last error if every
// attempt fails, or nil on the first success.
func WithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}
