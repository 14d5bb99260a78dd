// Package ratelimit paces outgoing requests and decides how they are retried.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Config controls pacing and retries for one upstream
type Config struct {
	RequestsPerSecond int
	// MaxRetries is the number of attempts made after the first one
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig paces at 20 requests per second and does not retry
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 20,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
	}
}

// Limiter is a token bucket sized to one second of requests
type Limiter struct {
	bucket *rate.Limiter
}

// NewLimiter creates a limiter for cfg. Non-positive rates pace at one per second.
func NewLimiter(cfg Config) *Limiter {
	rps := max(cfg.RequestsPerSecond, 1)
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(rps), rps)}
}

// Wait blocks until the next request may go out or ctx is done
func (l *Limiter) Wait(ctx context.Context) error {
	return l.bucket.Wait(ctx)
}
