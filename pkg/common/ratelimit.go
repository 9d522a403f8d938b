package common

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter caps the sustained request rate against a downstream service.
// Limits can be retuned at runtime, e.g. from rate limit response headers.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a limiter allowing rps sustained requests per second
// with the given burst size.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until the limiter admits one event or ctx is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// UpdateLimits replaces the sustained rate and burst size. Safe to call
// concurrently with Wait; waiters observe the new limit on their next
// reservation.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)
}
