package resilience

import (
	"context"
	"math"
	"time"
)

// Backoff computes capped exponential delays between attempts
type Backoff struct {
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration
	// Multiplier is the growth factor per attempt
	Multiplier float64
}

// DefaultBackoff returns min(1s * 2^(attempt-1), 10s)
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// Delay returns the wait before the retry that follows the given attempt
// (1-based). There is no jitter: delays are exact.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := b.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(b.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	return time.Duration(delay)
}

// AdaptiveTimeout returns three times the observed average latency clamped to
// [min, max].
func AdaptiveTimeout(avgLatency, min, max time.Duration) time.Duration {
	timeout := avgLatency * 3
	if timeout < min {
		return min
	}
	if timeout > max {
		return max
	}
	return timeout
}

// Sleeper waits for d or until ctx is done, whichever comes first
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper. It returns ctx.Err() when the context
// ends before the delay does.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
