// Package backoff provides exponential backoff with jitter for retry loops.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential calculates the delay for the given attempt as base * 2^attempt
// with overflow protection. Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(base) * multiplier)
}

// FullJitter returns a random duration in [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(delay)))
}

// ExponentialWithJitter combines exponential backoff with full jitter,
// returning a random duration in [0, base * 2^attempt).
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// Sleep waits for the given duration but respects context cancellation.
// Returns nil if the sleep completes, or the context error otherwise.
func Sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
