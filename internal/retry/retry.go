// Package retry is a small bounded-attempts helper for transient
// errors worth backing off on: the board's concurrent-edit collisions
// and advisory-lock contention.
package retry

import (
	"context"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration // delay before the second attempt; doubles each time after
}

// DefaultPolicy is what board status writes retry with.
var DefaultPolicy = Policy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond}

// Do runs fn up to p.MaxAttempts times, sleeping with exponential
// backoff between attempts, stopping early if fn returns a nil error or
// ctx is done. It returns the last error seen.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	var lastErr error
	delay := p.BaseDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == p.MaxAttempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return lastErr
}
