// Package backoff provides retry delay strategies and a context-aware retry loop
// shared by provider calls and outbound notifications.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy calculates retry delays. Implementations must be safe for concurrent use.
type Strategy interface {
	// Next returns the delay before retry number attempt (starting at 1).
	Next(attempt int) time.Duration
}

// Exponential grows delays geometrically with optional jitter.
type Exponential struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Next returns min(Initial * Multiplier^(attempt-1) * (1 ± Jitter), Max).
func (e Exponential) Next(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	initial := e.Initial
	if initial == 0 {
		initial = 200 * time.Millisecond
	}
	maxDelay := e.Max
	if maxDelay == 0 {
		maxDelay = 10 * time.Second
	}
	mult := e.Multiplier
	if mult == 0 {
		mult = 2
	}

	interval := float64(initial) * math.Pow(mult, float64(attempt-1))
	if e.Jitter > 0 {
		interval *= 1 + (rand.Float64()*2-1)*e.Jitter
	}
	if interval > float64(maxDelay) {
		interval = float64(maxDelay)
	}
	return time.Duration(interval)
}

// Fixed waits the same interval before every retry.
type Fixed time.Duration

func (f Fixed) Next(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return time.Duration(f)
}

// Default is the strategy used for provider calls.
func Default() Strategy {
	return Exponential{
		Initial:    200 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Retry calls fn until it succeeds, retryable reports false, maxRetries is exhausted,
// or ctx is done. It returns the last error from fn, or ctx.Err() if canceled while waiting.
func Retry(ctx context.Context, s Strategy, maxRetries int, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if s == nil {
		s = Default()
	}

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(s.Next(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
	}
	return err
}
