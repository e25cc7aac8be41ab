package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultAttempts = 3
	DefaultDelay    = 1500 * time.Millisecond
)

// Permanent marks an error as non-retryable; Do stops immediately and
// returns it. Parse failures use this — retrying a deterministic failure
// only burns the budget.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op up to attempts times with a fixed delay between tries,
// returning nil on the first success or the last error once the budget is
// exhausted. The context bounds the whole sequence including the waits.
func Do(ctx context.Context, attempts int, delay time.Duration, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)),
		ctx,
	)
	return backoff.Retry(op, b)
}
