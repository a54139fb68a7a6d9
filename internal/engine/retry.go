package engine

import (
	"context"
	"time"
)

const (
	// backoffBase is the delay after the first failed attempt.
	backoffBase = time.Second
	// backoffCap bounds the exponential growth.
	backoffCap = 10 * time.Second
)

// ComputeBackoff returns the delay before retrying after the given
// zero-based attempt: base * 2^attempt, capped.
func ComputeBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := backoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}

// WaitForBackoff sleeps for the given delay or returns early if the context
// is cancelled. Returns an error only when cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
