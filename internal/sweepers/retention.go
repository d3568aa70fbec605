package sweepers

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adpilot/automation-service/internal/database"
)

// Pruner deletes records past their retention window
type Pruner interface {
	Prune(ctx context.Context) (database.PruneResult, error)
}

// RetentionSweeper runs a prune pass once per interval
type RetentionSweeper struct {
	target   Pruner
	logger   *zerolog.Logger
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRetentionSweeper creates a sweeper for expired records
func NewRetentionSweeper(target Pruner, logger *zerolog.Logger, interval time.Duration) *RetentionSweeper {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "retention_sweeper").Logger()
	return &RetentionSweeper{
		target:   target,
		logger:   &l,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start prunes once immediately and then on every tick
func (s *RetentionSweeper) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("Starting retention sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *RetentionSweeper) sweep(ctx context.Context) {
	res, err := s.target.Prune(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Retention sweep failed")
	}
	if res.Actions > 0 || res.Tasks > 0 {
		s.logger.Info().
			Int64("actions_deleted", res.Actions).
			Int64("tasks_deleted", res.Tasks).
			Msg("Pruned expired records")
	}
}

// Stop signals the sweeper to stop. It is safe to call more than once.
func (s *RetentionSweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}
