package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
)

// RetryPolicy shapes the exponential backoff applied between stage attempts.
// The attempt count itself comes from each stage's settings; the policy only
// controls the waits in between.
type RetryPolicy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryPolicy returns the production backoff shape: half a second to
// start, doubling with 50% jitter, capped at ten seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// backOff materializes the policy for one stage run: at most maxAttempts
// tries in total, stopping early when the task context dies. Attempts bound
// the loop, not elapsed time.
func (p RetryPolicy) backOff(ctx context.Context, maxAttempts int) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = p.RandomizationFactor
	bo.MaxElapsedTime = 0

	var b backoff.BackOff = bo
	if maxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(maxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}
