package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiting and retry configuration for outbound API calls
type Config struct {
	RequestsPerSecond float64       `json:"requestsPerSecond"`
	Burst             int           `json:"burst"`
	MaxAttempts       int           `json:"maxAttempts"`
	InitialBackoffMs  int           `json:"initialBackoffMs"`
	MaxBackoffMs      int           `json:"maxBackoffMs"`
	IdleTTL           time.Duration `json:"idleTtl"`
}

// DefaultConfig returns the default rate limit configuration
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 2,
		Burst:             1,
		MaxAttempts:       4,
		InitialBackoffMs:  100,
		MaxBackoffMs:      30000,
		IdleTTL:           30 * time.Minute,
	}
}

// WithOverrides returns the default config with the given overrides applied
func WithOverrides(overrides PartialConfig) Config {
	cfg := DefaultConfig()
	if overrides.RequestsPerSecond != nil {
		cfg.RequestsPerSecond = *overrides.RequestsPerSecond
	}
	if overrides.Burst != nil {
		cfg.Burst = *overrides.Burst
	}
	if overrides.MaxAttempts != nil {
		cfg.MaxAttempts = *overrides.MaxAttempts
	}
	if overrides.InitialBackoffMs != nil {
		cfg.InitialBackoffMs = *overrides.InitialBackoffMs
	}
	if overrides.MaxBackoffMs != nil {
		cfg.MaxBackoffMs = *overrides.MaxBackoffMs
	}
	return cfg
}

// PartialConfig allows partial configuration overrides
type PartialConfig struct {
	RequestsPerSecond *float64 `json:"requestsPerSecond,omitempty"`
	Burst             *int     `json:"burst,omitempty"`
	MaxAttempts       *int     `json:"maxAttempts,omitempty"`
	InitialBackoffMs  *int     `json:"initialBackoffMs,omitempty"`
	MaxBackoffMs      *int     `json:"maxBackoffMs,omitempty"`
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiters keeps one token bucket per key (an ad-platform account). Buckets are
// independent so a burst on one account never delays another.
type Limiters struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	config   Config
	now      func() time.Time
}

// NewLimiters creates a per-key limiter registry
func NewLimiters(config Config) *Limiters {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	return &Limiters{
		limiters: make(map[string]*limiterEntry),
		config:   config,
		now:      time.Now,
	}
}

// Get returns the limiter for key, creating it on first use
func (l *Limiters) Get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.Burst)}
		l.limiters[key] = e
	}
	e.lastSeen = l.now()
	return e.limiter
}

// Wait blocks until a token for key is available or ctx is done
func (l *Limiters) Wait(ctx context.Context, key string) error {
	return l.Get(key).Wait(ctx)
}

// Evict drops limiters not used for longer than idle and returns how many were removed
func (l *Limiters) Evict(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	removed := 0
	for key, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys
func (l *Limiters) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// StartEviction periodically evicts idle limiters until ctx is done
func (l *Limiters) StartEviction(ctx context.Context, every, idle time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Evict(idle)
		}
	}
}
