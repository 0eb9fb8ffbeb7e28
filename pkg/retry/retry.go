// Package retry implements exponential backoff with jitter for broker calls
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy defines how to retry an operation
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     int64
	MaxBackoff     time.Duration
}

// OrderPolicy applies to order submit/cancel/modify calls
var OrderPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 1 * time.Second,
	Multiplier:     2,
	MaxBackoff:     10 * time.Second,
}

// QueryPolicy applies to read-only broker queries
var QueryPolicy = Policy{
	MaxAttempts:    5,
	InitialBackoff: 1 * time.Second,
	Multiplier:     2,
	MaxBackoff:     10 * time.Second,
}

// IsTransientFunc reports whether an error is transient and worth retrying
type IsTransientFunc func(error) bool

// Do executes fn with retries according to the policy. Non-transient errors
// return immediately; the context deadline is honored between attempts.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		// backoff + random(0, 50% of backoff)
		jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
		sleep := backoff + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
			backoff = minDuration(backoff*time.Duration(policy.Multiplier), policy.MaxBackoff)
		}
	}

	return err
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
