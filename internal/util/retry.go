package util

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetriesExhausted is wrapped into the error Retry returns when every
// attempt failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Retry returns the wrapped error
// as-is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// BackoffFunc computes the wait before the next attempt, given the 0-indexed
// attempt that just failed and its error.
type BackoffFunc func(attempt int, err error) time.Duration

// ExponentialBackoff returns base * 2^attempt.
func ExponentialBackoff(base time.Duration) BackoffFunc {
	return func(attempt int, _ error) time.Duration {
		return base * time.Duration(1<<attempt)
	}
}

// Retry calls fn up to attempts times. fn receives the current attempt number
// (0-indexed) and returns nil on success. There is no wait after the final
// attempt. If the context is cancelled while waiting, Retry returns the
// context error immediately.
func Retry(ctx context.Context, attempts int, backoff BackoffFunc, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if attempt == attempts-1 {
			break
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := backoff(attempt, lastErr)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}
