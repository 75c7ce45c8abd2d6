// Package retryutil is the retry policy shared by the portal clients:
// randomized exponential backoff, at most 7 attempts, per-attempt wait
// capped at a minute. Errors wrapped with Permanent are surfaced
// immediately; use it for authentication failures and markup changes,
// which retrying cannot fix.
package retryutil

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxAttempts = 7

func newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, maxAttempts-1), ctx)
}

func notify(ctx context.Context) backoff.Notify {
	return func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "retrying after transient failure", "err", err, "wait", wait)
	}
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func Do(ctx context.Context, op func() error) error {
	return backoff.RetryNotify(op, newBackOff(ctx), notify(ctx))
}

func DoValue[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return backoff.RetryNotifyWithData(op, newBackOff(ctx), notify(ctx))
}
