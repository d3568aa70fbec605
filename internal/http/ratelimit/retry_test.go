package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock records requested sleeps and returns immediately.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return ctx.Err()
}

var errTemporary = errors.New("temporary")
var errFatal = errors.New("fatal")

type hintedError struct {
	after time.Duration
}

func (e hintedError) Error() string { return "rate limited" }

func (e hintedError) RetryHint() (bool, time.Duration) { return true, e.after }

func testPolicy(clock Clock) Policy {
	return Policy{
		MaxAttempts:         4,
		BaseDelay:           100 * time.Millisecond,
		MaxDelay:            time.Second,
		Multiplier:          2,
		RateLimitMultiplier: 3,
		Retryable: func(err error) bool {
			return !errors.Is(err, errFatal)
		},
		Clock: clock,
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	clock := &fakeClock{}
	calls := 0

	attempts, err := testPolicy(clock).Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errTemporary
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, clock.sleeps)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	clock := &fakeClock{}

	attempts, err := testPolicy(clock).Do(context.Background(), func(ctx context.Context, attempt int) error {
		return errFatal
	})

	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, clock.sleeps)
}

func TestDoExhaustsAttempts(t *testing.T) {
	clock := &fakeClock{}

	attempts, err := testPolicy(clock).Do(context.Background(), func(ctx context.Context, attempt int) error {
		return errTemporary
	})

	assert.ErrorIs(t, err, errTemporary)
	assert.Equal(t, 4, attempts)
	assert.Len(t, clock.sleeps, 3)
}

func TestDoHonoursRetryAfter(t *testing.T) {
	clock := &fakeClock{}
	p := testPolicy(clock)

	_, err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		if attempt == 1 {
			return hintedError{after: 2 * time.Second}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second}, clock.sleeps)
}

func TestDoStopsWhenContextCancelled(t *testing.T) {
	clock := &fakeClock{}
	ctx, cancel := context.WithCancel(context.Background())

	attempts, err := testPolicy(clock).Do(ctx, func(ctx context.Context, attempt int) error {
		cancel()
		return errTemporary
	})

	assert.ErrorIs(t, err, errTemporary)
	assert.Equal(t, 1, attempts)
}

func TestBackoff(t *testing.T) {
	p := testPolicy(&fakeClock{})

	assert.Equal(t, 100*time.Millisecond, p.Backoff(0, false, 0))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2, false, 0))
	assert.Equal(t, 900*time.Millisecond, p.Backoff(2, true, 0), "rate limits back off with the larger multiplier")
	assert.Equal(t, time.Second, p.Backoff(10, false, 0), "delay is capped")

	p.Jitter = 0.25
	p.Rand = func() float64 { return 1 }
	assert.Equal(t, 125*time.Millisecond, p.Backoff(0, false, 0))
}

func TestLimitersAreIndependentPerKey(t *testing.T) {
	l := NewLimiters(Config{RequestsPerSecond: 1, Burst: 1})

	a := l.Get("acc-a")
	b := l.Get("acc-b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, l.Get("acc-a"))

	require.True(t, a.Allow())
	assert.False(t, a.Allow(), "bucket for acc-a is drained")
	assert.True(t, b.Allow(), "acc-b is not affected by acc-a")
}

func TestLimitersWaitRespectsContext(t *testing.T) {
	l := NewLimiters(Config{RequestsPerSecond: 0.001, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "acc"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "acc"))
}

func TestLimitersEvict(t *testing.T) {
	l := NewLimiters(DefaultConfig())
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Get("old")
	now = now.Add(time.Hour)
	l.Get("fresh")

	assert.Equal(t, 1, l.Evict(30*time.Minute))
	assert.Equal(t, 1, l.Len())
}
