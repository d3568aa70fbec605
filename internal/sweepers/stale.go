// Package sweepers runs periodic maintenance passes in the background.
package sweepers

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sweepable is one maintenance pass
type Sweepable interface {
	SweepStale(ctx context.Context) error
}

// StaleSweeper periodically lets the supervisor reap claims with expired
// heartbeats
type StaleSweeper struct {
	target   Sweepable
	logger   *zerolog.Logger
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewStaleSweeper creates a sweeper for stale process claims
func NewStaleSweeper(target Sweepable, logger *zerolog.Logger, interval time.Duration) *StaleSweeper {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "stale_sweeper").Logger()
	return &StaleSweeper{
		target:   target,
		logger:   &l,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start runs the sweep on every tick until ctx is cancelled or Stop is called
func (s *StaleSweeper) Start(ctx context.Context) {
	s.logger.Info().
		Dur("interval", s.interval).
		Msg("Starting stale claim sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Stale claim sweeper stopping (context cancelled)")
			return
		case <-s.stopChan:
			s.logger.Info().Msg("Stale claim sweeper stopping (stop signal)")
			return
		case <-ticker.C:
			s.logger.Debug().Msg("Running stale claim sweep")
			if err := s.target.SweepStale(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Stale claim sweep failed")
			}
		}
	}
}

// Stop signals the sweeper to stop. It is safe to call more than once.
func (s *StaleSweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}
