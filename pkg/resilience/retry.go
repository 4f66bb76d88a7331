package resilience

import (
	"context"
	"time"
)

// Retry runs fn up to maxAttempts times, sleeping per the backoff strategy
// between attempts. Only errors for which retriable returns true are retried;
// any other error is returned immediately. Context cancellation interrupts
// the sleep and returns ctx.Err().
func Retry(ctx context.Context, maxAttempts int, backoff BackoffStrategy, retriable func(error) bool, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retriable(err) || attempt == maxAttempts-1 {
			return err
		}

		timer := time.NewTimer(backoff.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
