package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	pruneEvery = 5 * time.Minute
	idleAfter  = 10 * time.Minute
)

// Limit is a token bucket rate with its burst
type Limit struct {
	PerSecond float64
	Burst     int
}

type bucket struct {
	*rate.Limiter
	seen time.Time
}

// ClientLimiter keeps one token bucket per client key
type ClientLimiter struct {
	limit Limit
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewClientLimiter(limit Limit) *ClientLimiter {
	return &ClientLimiter{
		limit:   limit,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow takes a token from key's bucket, creating the bucket on first use
func (l *ClientLimiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{Limiter: rate.NewLimiter(rate.Limit(l.limit.PerSecond), l.limit.Burst)}
		l.buckets[key] = b
	}
	b.seen = l.now()
	l.mu.Unlock()

	return b.Allow()
}

// Prune forgets clients idle for longer than maxIdle and returns how many went
func (l *ClientLimiter) Prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxIdle)
	n := 0
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// RateLimitMiddleware limits each client IP separately. Idle clients are
// forgotten in the background until ctx is done.
func RateLimitMiddleware(ctx context.Context, limit Limit) gin.HandlerFunc {
	clients := NewClientLimiter(limit)

	go func() {
		t := time.NewTicker(pruneEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				clients.Prune(idleAfter)
			}
		}
	}()

	return func(c *gin.Context) {
		if !clients.Allow(c.ClientIP()) {
			tooMany(c, limit, "rate limit exceeded")
			return
		}
		c.Next()
	}
}

// ServiceRateLimitMiddleware shares one bucket between all callers. Service
// to service calls arrive with the same key, so per-IP limits do not apply.
func ServiceRateLimitMiddleware(limit Limit) gin.HandlerFunc {
	shared := rate.NewLimiter(rate.Limit(limit.PerSecond), limit.Burst)

	return func(c *gin.Context) {
		if !shared.Allow() {
			tooMany(c, limit, "service rate limit exceeded")
			return
		}
		c.Next()
	}
}

func tooMany(c *gin.Context, limit Limit, msg string) {
	wait := 1
	if limit.PerSecond > 0 {
		wait = max(1, int(math.Ceil(1/limit.PerSecond)))
	}
	c.Header("Retry-After", strconv.Itoa(wait))
	reject(c, http.StatusTooManyRequests, msg)
}
