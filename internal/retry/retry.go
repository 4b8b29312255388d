// Package retry unifies the three ad hoc retry loops the original source
// wraps around LLM calls, Search Client calls, and DB writes into one
// exponential-backoff primitive (SPEC_FULL.md §9 Design Notes: "unify under
// a single with_retry(op, policy) abstraction").
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy configures a retry loop's attempt budget and backoff schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// IsRetryable classifies an error as worth retrying. Nil means every
	// error is retryable up to MaxAttempts.
	IsRetryable func(error) bool
}

// DBWritePolicy is the "§4.4 DB hygiene" retry policy: transient DB
// connection failures retry up to 3 times with exponential backoff.
func DBWritePolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Do runs op, retrying with exponential backoff (doubling each attempt,
// capped at MaxDelay) until it succeeds, policy.MaxAttempts is exhausted, or
// ctx is cancelled.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	delay := policy.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	var lastErr error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}

			delay *= 2
			if policy.MaxDelay > 0 && delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if policy.IsRetryable != nil && !policy.IsRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("retry: exhausted %d attempts: %w", policy.MaxAttempts, lastErr)
}
