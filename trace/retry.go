package trace

import (
	"context"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// RetryPolicy bounds how often a transient store failure is retried
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy is used when Options.Retry is zero.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

func (r RetryPolicy) backoff(attempt int) time.Duration {
	d := r.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.MaxBackoff {
			return r.MaxBackoff
		}
	}
	return d
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts are used up. Exhaustion and cancellation during backoff both
// surface as CONNECTIVITY_ERROR wrapping the last failure.
func (r RetryPolicy) Do(ctx context.Context, logger cmtlog.Logger, op string, fn func(context.Context) error) error {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		wait := r.backoff(attempt)
		logger.Info("Store call failed, retrying", "op", op, "attempt", attempt, "backoff", wait, "err", err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Connectivity(lastErr, "%s abandoned after %d attempts: %v", op, attempt, ctx.Err())
		case <-timer.C:
		}
	}
	return Connectivity(lastErr, "%s failed after %d attempts", op, attempts)
}
