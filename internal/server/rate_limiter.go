// Package server implements a token bucket rate limiter for per-connection
// throttling that protects namespace handlers from abuse.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter allows capacity events per interval with bursts of capacity.
func newRateLimiter(capacity int, interval time.Duration) *rate.Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	every := interval / time.Duration(capacity)
	if every <= 0 {
		return rate.NewLimiter(rate.Inf, capacity)
	}
	return rate.NewLimiter(rate.Every(every), capacity)
}
