// Package retry runs an operation with bounded attempts and exponential
// backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	sharedretry "github.com/couchcryptid/storm-data-shared/retry"
	"github.com/jonboulle/clockwork"
)

// Policy bounds a retried operation.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool
}

// DefaultPolicy doubles from 200ms up to 5s over three attempts.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is cancelled. attempt starts at 1. It returns the number of
// attempts made alongside the final error.
func Do(ctx context.Context, clock clockwork.Clock, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := p.InitialBackoff
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if !sleepWithContext(ctx, clock, backoff) {
				return attempt - 1, ctx.Err()
			}
			backoff = nextBackoff(backoff, p.MaxBackoff)
		}

		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return attempt, err
		}
	}
	return attempts, &ExhaustedError{Attempts: attempts, Err: err}
}

// nextBackoff doubles the backoff, capped when maxBackoff is set.
func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	if maxBackoff <= 0 {
		return current * 2
	}
	return sharedretry.NextBackoff(current, maxBackoff)
}

// sleepWithContext is the shared helper's sleep on an injected clock, so fake
// clocks drive backoff in tests.
func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
