package resilience

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig holds configuration for a rate limiter
type RateLimiterConfig struct {
	Limit  int           // events allowed per period
	Period time.Duration // period for the limit
	Burst  int           // events allowed at once
}

// RateLimiter is a token bucket that also counts what it suppressed, so a
// caller can report "N similar events dropped" once it is allowed again.
type RateLimiter struct {
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewRateLimiter creates a rate limiter. A non-positive limit allows everything.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Limit <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if config.Period <= 0 {
		config.Period = time.Minute
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	every := config.Period / time.Duration(config.Limit)
	return &RateLimiter{limiter: rate.NewLimiter(rate.Every(every), config.Burst)}
}

// Allow reports whether an event may happen now
func (r *RateLimiter) Allow() bool {
	if r.limiter.Allow() {
		return true
	}
	r.suppressed.Add(1)
	return false
}

// TakeSuppressed returns and resets the number of rejected events
func (r *RateLimiter) TakeSuppressed() int64 {
	return r.suppressed.Swap(0)
}
