package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RetentionConfig configures how long finished records are kept
type RetentionConfig struct {
	ActionRetentionDays int
	TaskRetentionDays   int
}

// DefaultRetentionConfig returns the retention defaults
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		ActionRetentionDays: 90,
		TaskRetentionDays:   30,
	}
}

// PruneResult counts the rows a prune pass removed
type PruneResult struct {
	Actions int64 `json:"actions"`
	Tasks   int64 `json:"tasks"`
}

// Retention deletes action log entries and finished tasks past their
// retention window
type Retention struct {
	pool   *pgxpool.Pool
	config RetentionConfig
	now    func() time.Time
}

// NewRetention creates a pruner. Zero values in config take the defaults.
func NewRetention(pool *pgxpool.Pool, config RetentionConfig) *Retention {
	def := DefaultRetentionConfig()
	if config.ActionRetentionDays <= 0 {
		config.ActionRetentionDays = def.ActionRetentionDays
	}
	if config.TaskRetentionDays <= 0 {
		config.TaskRetentionDays = def.TaskRetentionDays
	}
	return &Retention{pool: pool, config: config, now: time.Now}
}

// PruneActions removes action log entries older than the retention window
func (r *Retention) PruneActions(ctx context.Context) (int64, error) {
	cutoff := r.now().AddDate(0, 0, -r.config.ActionRetentionDays)
	result, err := r.pool.Exec(ctx, `DELETE FROM actions_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune actions: %w", err)
	}
	return result.RowsAffected(), nil
}

// PruneTasks removes terminal tasks completed before the retention window.
// Pending and running tasks are never touched.
func (r *Retention) PruneTasks(ctx context.Context) (int64, error) {
	cutoff := r.now().AddDate(0, 0, -r.config.TaskRetentionDays)
	result, err := r.pool.Exec(ctx, `
		DELETE FROM tasks
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	return result.RowsAffected(), nil
}

// Prune runs every prune step. A failing step does not stop the others.
func (r *Retention) Prune(ctx context.Context) (PruneResult, error) {
	var res PruneResult
	var firstErr error

	n, err := r.PruneActions(ctx)
	if err != nil {
		firstErr = err
	}
	res.Actions = n

	n, err = r.PruneTasks(ctx)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	res.Tasks = n

	return res, firstErr
}

// Stats counts the rows the next prune would remove
func (r *Retention) Stats(ctx context.Context) (PruneResult, error) {
	var res PruneResult
	actionCutoff := r.now().AddDate(0, 0, -r.config.ActionRetentionDays)
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM actions_log WHERE created_at < $1`, actionCutoff,
	).Scan(&res.Actions); err != nil {
		return res, fmt.Errorf("count old actions: %w", err)
	}

	taskCutoff := r.now().AddDate(0, 0, -r.config.TaskRetentionDays)
	if err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1
	`, taskCutoff).Scan(&res.Tasks); err != nil {
		return res, fmt.Errorf("count old tasks: %w", err)
	}
	return res, nil
}
