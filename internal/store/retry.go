package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"memora/internal/merrors"
)

// RetryPolicy configures the exponential backoff with jitter wrapped around
// every outbound Backend call (§4.3).
type RetryPolicy struct {
	MaxRetries     int
	RequestTimeout time.Duration
}

// DefaultRetryPolicy mirrors the defaults implied by §4.3 and §7.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, RequestTimeout: 5 * time.Second}

// withRetry runs fn with a per-attempt timeout and exponential backoff,
// surfacing a TransientBackend error if every attempt fails.
func withRetry(ctx context.Context, pol RetryPolicy, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	bo := backoff.WithMaxRetries(b, uint64(maxInt(pol.MaxRetries, 0)))
	bo = backoff.WithContext(bo, ctx)

	var lastErr error
	err := backoff.Retry(func() error {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if pol.RequestTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, pol.RequestTimeout)
			defer cancel()
		}
		lastErr = fn(attemptCtx)
		return lastErr
	}, bo)
	if err != nil {
		return merrors.Wrap(merrors.TransientBackend, "backend call failed after retries", err)
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
