package chat

import (
	"context"
	"time"
)

// Backoff controls how a Session reconnects after a transport failure.
type Backoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // reconnect attempts after the first connection fails
}

// DefaultBackoff returns 1s base delay, doubling, capped at 10s, 5 attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:   1 * time.Second,
		MaxDelay:    10 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before reconnect attempt n (1-indexed):
// min(BaseDelay * 2^(n-1), MaxDelay).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.BaseDelay
	for i := 1; i < attempt; i++ {
		if delay >= b.MaxDelay {
			break
		}
		delay *= 2
	}
	if delay > b.MaxDelay {
		return b.MaxDelay
	}
	return delay
}

// Wait sleeps for Delay(attempt) or until ctx is done.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(b.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
