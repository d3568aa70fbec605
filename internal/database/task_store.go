package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adpilot/automation-service/internal/store"
	"github.com/adpilot/automation-service/internal/types"
)

const (
	pgUniqueViolation   = "23505"
	activeTaskIndexName = "tasks_one_active_idx"
)

// TaskStore is the Postgres store.TaskStore. The partial unique index on
// (tenant_id, kind) enforces the one-active-task rule across nodes.
type TaskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore creates a task store on pool
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

var _ store.TaskStore = (*TaskStore)(nil)

const taskColumns = `
	id, tenant_id, kind, status, total_operations, completed_operations,
	successful_operations, failed_operations, current_operation_ref, last_error,
	errors, owner, created_at, started_at, completed_at, last_heartbeat`

func scanTask(row pgx.Row) (types.Task, error) {
	var t types.Task
	var errs []byte
	err := row.Scan(
		&t.ID, &t.TenantID, &t.Kind, &t.Status, &t.TotalOperations, &t.CompletedOperations,
		&t.SuccessfulOperations, &t.FailedOperations, &t.CurrentOperationRef, &t.LastError,
		&errs, &t.Owner, &t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.LastHeartbeat,
	)
	if err != nil {
		return types.Task{}, err
	}
	t.Errors = []types.TaskError{}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &t.Errors); err != nil {
			return types.Task{}, fmt.Errorf("decode task errors: %w", err)
		}
	}
	return t, nil
}

func encodeTaskErrors(errs []types.TaskError) ([]byte, error) {
	if errs == nil {
		errs = []types.TaskError{}
	}
	return json.Marshal(errs)
}

// CreateIfNoActive inserts the task or returns store.ErrActiveTaskExists
func (s *TaskStore) CreateIfNoActive(ctx context.Context, task types.Task) error {
	errs, err := encodeTaskErrors(task.Errors)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (
			id, tenant_id, kind, status, total_operations, completed_operations,
			successful_operations, failed_operations, current_operation_ref, last_error,
			errors, owner, created_at, started_at, completed_at, last_heartbeat
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, task.ID, task.TenantID, task.Kind, task.Status, task.TotalOperations, task.CompletedOperations,
		task.SuccessfulOperations, task.FailedOperations, task.CurrentOperationRef, task.LastError,
		errs, task.Owner, task.CreatedAt, task.StartedAt, task.CompletedAt, task.LastHeartbeat,
	)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		if pgErr.ConstraintName == activeTaskIndexName {
			return store.ErrActiveTaskExists
		}
		return fmt.Errorf("insert task %s: %w", task.ID, store.ErrConflict)
	}
	return fmt.Errorf("insert task %s: %w", task.ID, err)
}

// Update overwrites the mutable columns of a pending or running task
func (s *TaskStore) Update(ctx context.Context, task types.Task) error {
	errs, err := encodeTaskErrors(task.Errors)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			status = $2,
			total_operations = $3,
			completed_operations = $4,
			successful_operations = $5,
			failed_operations = $6,
			current_operation_ref = $7,
			last_error = $8,
			errors = $9,
			owner = $10,
			started_at = $11,
			completed_at = $12,
			last_heartbeat = $13
		WHERE id = $1 AND status IN ('pending', 'running')
	`, task.ID, task.Status, task.TotalOperations, task.CompletedOperations,
		task.SuccessfulOperations, task.FailedOperations, task.CurrentOperationRef,
		task.LastError, errs, task.Owner, task.StartedAt, task.CompletedAt, task.LastHeartbeat,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, task.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check task %s: %w", task.ID, err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return fmt.Errorf("update task %s: %w", task.ID, store.ErrTaskFinished)
}

// Get returns one task
func (s *TaskStore) Get(ctx context.Context, id string) (types.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Task{}, store.ErrNotFound
	}
	if err != nil {
		return types.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListActive returns pending and running tasks, oldest first
func (s *TaskStore) ListActive(ctx context.Context) ([]types.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status IN ('pending', 'running')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	defer rows.Close()

	out := make([]types.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
