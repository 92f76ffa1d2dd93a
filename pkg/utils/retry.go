package utils

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy is an explicit retry policy value applied at I/O call sites.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        time.Duration
}

// DefaultRetryPolicy returns the default retry policy: three attempts with
// capped exponential backoff and up to one second of jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  2 * time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        time.Second,
	}
}

// FixedRetryPolicy returns a bounded fixed-delay policy, used for provider
// rate limits where backing off further buys nothing.
func FixedRetryPolicy(attempts int, delay time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   attempts,
		InitialDelay:  delay,
		MaxDelay:      delay,
		BackoffFactor: 1.0,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += float64(rand.Int63n(int64(p.Jitter)))
	}
	return time.Duration(d)
}

// Retry executes fn until it succeeds, the attempts are exhausted, or the
// context is cancelled.
func Retry(ctx context.Context, p RetryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := fn(); err != nil {
			lastErr = err

			if attempt < p.MaxAttempts-1 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(p.delay(attempt)):
				}
			}
		} else {
			return nil
		}
	}

	return lastErr
}

// RetryWithResult executes fn with the policy and returns its result.
func RetryWithResult[T any](ctx context.Context, p RetryPolicy, fn func() (T, error)) (T, error) {
	var lastErr error
	var zero T

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt < p.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(p.delay(attempt)):
			}
		}
	}

	return zero, lastErr
}

// RetryIf executes fn, retrying only when shouldRetry reports the error as
// transient; any other error is returned immediately.
func RetryIf(ctx context.Context, p RetryPolicy, shouldRetry func(error) bool, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return err
		}
		lastErr = err

		if attempt < p.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.delay(attempt)):
			}
		}
	}

	return lastErr
}
