// Package retry retries transient failures of outbound calls (router
// quotes, webhook deliveries) with jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// maxInterval caps a single wait between attempts.
const maxInterval = 30 * time.Second

// Permanent marks err as not worth retrying. Do returns the inner error.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, returns a Permanent error, ctx is done or
// attempts calls have been made. The first wait is base, doubling with
// 25% jitter after each failure. attempts below 1 means a single call.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	_, err := Value(ctx, attempts, base, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Value is Do for calls that produce a result.
func Value[T any](ctx context.Context, attempts int, base time.Duration, fn func() (T, error)) (T, error) {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0.25
	b.Multiplier = 2
	b.MaxInterval = maxInterval

	out, err := backoff.Retry(ctx, fn,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
	)
	var pe *backoff.PermanentError
	if errors.As(err, &pe) {
		err = pe.Err
	}
	return out, err
}
