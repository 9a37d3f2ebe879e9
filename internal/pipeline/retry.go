package pipeline

import (
	"context"
	"errors"
	"time"

	"rowpipe/internal/storage"
)

// maxBackoff caps the doubling retry wait.
const maxBackoff = 30 * time.Second

// sleep is replaced in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryable reports whether a failed batch may be replayed. Localized
// conversion failures, misconfiguration, invalid states and cancellation
// fail the same way every time.
func retryable(err error) bool {
	var (
		be *storage.BatchError
		ce *storage.ConfigError
	)
	switch {
	case err == nil:
		return false
	case errors.As(err, &be), errors.As(err, &ce):
		return false
	case errors.Is(err, storage.ErrState):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// backoff returns the wait before retry attempt n (1-based).
func backoff(base time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// withRetry calls fn until it succeeds, fails permanently or runs out of
// attempts. onRetry is called before each wait.
func withRetry(ctx context.Context, attempts int, base time.Duration, fn func() error, onRetry func(n int, err error, wait time.Duration)) error {
	err := fn()
	for n := 1; n <= attempts && retryable(err) && ctx.Err() == nil; n++ {
		wait := backoff(base, n)
		onRetry(n, err, wait)
		if serr := sleep(ctx, wait); serr != nil {
			return err
		}
		err = fn()
	}
	return err
}
