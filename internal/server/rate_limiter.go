// Package server throttles inbound frames per connection with a token bucket.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter allows burst frames at once and refills the full burst over
// interval.
type rateLimiter struct {
	limiter *rate.Limiter
}

func newRateLimiter(burst int, interval time.Duration) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	every := rate.Every(interval / time.Duration(burst))
	return &rateLimiter{limiter: rate.NewLimiter(every, burst)}
}

func (rl *rateLimiter) allow() bool {
	return rl.limiter.Allow()
}
