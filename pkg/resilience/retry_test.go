package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, &FixedBackoff{Delay: time.Millisecond},
		func(err error) bool { return errors.Is(err, errTransient) },
		func() error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})

	if err != nil {
		t.Fatalf("Retry returned %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestRetryStopsOnNonRetriableError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Retry(context.Background(), 5, &FixedBackoff{Delay: time.Millisecond},
		func(err error) bool { return errors.Is(err, errTransient) },
		func() error {
			calls++
			return permanent
		})

	if !errors.Is(err, permanent) {
		t.Fatalf("Retry returned %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, &FixedBackoff{Delay: time.Millisecond},
		func(err error) bool { return true },
		func() error {
			calls++
			return errTransient
		})

	if !errors.Is(err, errTransient) {
		t.Fatalf("Retry returned %v, want %v", err, errTransient)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 3, &FixedBackoff{Delay: time.Minute},
		func(err error) bool { return true },
		func() error { return errTransient })

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry returned %v, want context.Canceled", err)
	}
}
