package utils

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff computes capped exponential delays with symmetric jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay, e.g. 0.2 for ±20%
}

// DefaultBackoff starts at 100ms and caps at 5s with ±20% jitter
func DefaultBackoff() Backoff {
	return Backoff{Base: 100 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2}
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := float64(base) * math.Pow(2, float64(attempt))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	delay += delay * b.Jitter * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(base)
	}
	return time.Duration(delay)
}

// Sleep waits for Delay(attempt) or until ctx is done.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
