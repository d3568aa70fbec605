package ratelimit

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Clock abstracts time for the retry policy so tests can run without sleeping
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SystemClock is the wall clock
var SystemClock Clock = systemClock{}

// RetryHinter is implemented by errors that carry backoff hints
type RetryHinter interface {
	// RetryHint reports whether the failure was a rate limit and the
	// server-provided wait, zero when absent
	RetryHint() (rateLimited bool, retryAfter time.Duration)
}

// Policy is a reusable retry/backoff policy
type Policy struct {
	// MaxAttempts is the total number of tries including the first one
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Multiplier grows the delay per attempt for ordinary transient errors
	Multiplier float64
	// RateLimitMultiplier grows the delay for rate limited responses
	RateLimitMultiplier float64
	// Jitter is the maximum extra fraction of the delay added at random (0-1)
	Jitter float64
	// Retryable decides whether an error is worth another attempt
	Retryable func(error) bool
	Clock     Clock
	// Rand returns a float in [0,1); defaults to math/rand
	Rand func() float64
}

// PolicyFromConfig builds the gateway policy from rate limit configuration
func PolicyFromConfig(cfg Config, retryable func(error) bool) Policy {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return Policy{
		MaxAttempts:         attempts,
		BaseDelay:           time.Duration(cfg.InitialBackoffMs) * time.Millisecond,
		MaxDelay:            time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
		Multiplier:          2,
		RateLimitMultiplier: 3,
		Jitter:              0.25,
		Retryable:           retryable,
		Clock:               SystemClock,
	}
}

// Backoff returns the delay before retry number attempt (0-based).
// A server-provided retryAfter takes precedence over the exponential delay.
func (p Policy) Backoff(attempt int, rateLimited bool, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter + p.jitter(time.Second/10)
	}

	mult := p.Multiplier
	if rateLimited && p.RateLimitMultiplier > 0 {
		mult = p.RateLimitMultiplier
	}
	if mult <= 0 {
		mult = 2
	}

	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 {
		delay = math.Min(delay, float64(p.MaxDelay))
	}
	return time.Duration(delay) + p.jitter(time.Duration(delay))
}

func (p Policy) jitter(base time.Duration) time.Duration {
	if p.Jitter <= 0 || base <= 0 {
		return 0
	}
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * p.Jitter * float64(base))
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempt
// budget is spent. It returns the number of attempts made and the last error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	clock := p.Clock
	if clock == nil {
		clock = SystemClock
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return attempt - 1, err
		}

		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if p.Retryable == nil || !p.Retryable(err) || attempt == maxAttempts {
			return attempt, err
		}

		var rateLimited bool
		var retryAfter time.Duration
		var h RetryHinter
		if errors.As(err, &h) {
			rateLimited, retryAfter = h.RetryHint()
		}
		if sleepErr := clock.Sleep(ctx, p.Backoff(attempt-1, rateLimited, retryAfter)); sleepErr != nil {
			return attempt, err
		}
	}
	return maxAttempts, err
}
