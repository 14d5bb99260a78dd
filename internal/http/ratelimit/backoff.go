package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"
)

// RetryError is returned when a request never got a usable response
type RetryError struct {
	URL      string
	Attempts int
	// Status is the last HTTP status seen, zero if none arrived
	Status int
	Err    error
}

func (e *RetryError) Error() string {
	msg := fmt.Sprintf("request to %s failed after %d attempt(s)", e.URL, e.Attempts)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (last status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RetryError) Unwrap() error { return e.Err }

// Retryable reports whether a response with this status is worth repeating
func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// Backoff is the delay before retry number attempt, counting from zero. It
// doubles from InitialBackoff up to MaxBackoff and adds up to a quarter of
// jitter on top.
func (c Config) Backoff(attempt int) time.Duration {
	d := c.MaxBackoff
	if attempt < 32 {
		if next := c.InitialBackoff << attempt; next > 0 && next < d {
			d = next
		}
	}
	if d <= 0 {
		return 0
	}
	return d + rand.N(d/4+1)
}

// Sleep waits for d unless ctx ends first
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
