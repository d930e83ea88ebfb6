// Package backoff computes bounded exponential delays and runs retry loops.
//
// The bridge uses Retry for hardware publishes; the client session machine
// uses Policy.Delay for its reconnect schedule.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	// Base is the delay after the first failure.
	Base time.Duration

	// Cap is the largest delay ever returned.
	Cap time.Duration

	// Multiplier grows the delay per attempt. Values below 1 are treated as 1.
	Multiplier float64

	// Jitter is the fraction (0-1) by which a delay may be shortened at random.
	Jitter float64

	// MaxAttempts bounds Retry. Zero or less means a single attempt.
	MaxAttempts int
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWith(attempt, rand.Float64())
}

// DelayWith is Delay with the random factor r in [0,1) supplied by the caller.
//
// The unjittered delay is Base*Multiplier^(attempt-1), capped at Cap. Jitter
// only ever shortens it, to no less than (1-Jitter) of the unjittered value.
func (p Policy) DelayWith(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	if p.Cap > 0 && d > float64(p.Cap) {
		d = float64(p.Cap)
	}

	if j := clamp01(p.Jitter); j > 0 {
		d -= d * j * clamp01(r)
	}
	return time.Duration(d)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// permanentError marks an error that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Retry stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Retry calls fn until it succeeds, returns a Permanent error, the context
// ends or p.MaxAttempts calls have failed. It returns the number of calls
// made and the last error.
func Retry(ctx context.Context, p Policy, fn func(attempt int) error) (int, error) {
	maxAttempts := max(p.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		var perm permanentError
		if errors.As(err, &perm) {
			return attempt, perm.err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return attempt, err
		}
		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return maxAttempts, lastErr
}
