package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adpilot/automation-service/internal/store"
	"github.com/adpilot/automation-service/internal/types"
)

// ProcessStore is the Postgres store.ProcessStore
type ProcessStore struct {
	pool *pgxpool.Pool
}

// NewProcessStore creates a process store on pool
func NewProcessStore(pool *pgxpool.Pool) *ProcessStore {
	return &ProcessStore{pool: pool}
}

var _ store.ProcessStore = (*ProcessStore)(nil)

const processColumns = `
	tenant_id, kind, running, phase, started_at, owner, last_heartbeat,
	params, stop_requested, last_error, version, updated_at`

func scanProcess(row pgx.Row) (types.ProcessState, error) {
	var st types.ProcessState
	var params []byte
	err := row.Scan(
		&st.TenantID, &st.Kind, &st.Running, &st.Phase, &st.StartedAt, &st.Owner,
		&st.LastHeartbeat, &params, &st.StopRequested, &st.LastError,
		&st.Version, &st.UpdatedAt,
	)
	if err != nil {
		return types.ProcessState{}, err
	}
	if len(params) > 0 {
		st.Params = params
	}
	return st, nil
}

// Get returns the row for key
func (s *ProcessStore) Get(ctx context.Context, key types.ProcessKey) (types.ProcessState, error) {
	st, err := scanProcess(s.pool.QueryRow(ctx, `
		SELECT `+processColumns+`
		FROM process_states
		WHERE tenant_id = $1 AND kind = $2
	`, key.TenantID, key.Kind))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ProcessState{}, store.ErrNotFound
	}
	if err != nil {
		return types.ProcessState{}, fmt.Errorf("get process %s: %w", key, err)
	}
	return st, nil
}

// ListByTenant returns every row of the tenant
func (s *ProcessStore) ListByTenant(ctx context.Context, tenantID string) ([]types.ProcessState, error) {
	return s.list(ctx, `
		SELECT `+processColumns+`
		FROM process_states
		WHERE tenant_id = $1
		ORDER BY kind
	`, tenantID)
}

// ListActive returns rows that hold the single-instance claim
func (s *ProcessStore) ListActive(ctx context.Context) ([]types.ProcessState, error) {
	return s.list(ctx, `
		SELECT `+processColumns+`
		FROM process_states
		WHERE running OR phase IN ('starting', 'running', 'stopping')
		ORDER BY tenant_id, kind
	`)
}

func (s *ProcessStore) list(ctx context.Context, query string, args ...any) ([]types.ProcessState, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()

	out := make([]types.ProcessState, 0)
	for rows.Next() {
		st, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Save inserts (expectedVersion 0) or compare-and-swaps the row
func (s *ProcessStore) Save(ctx context.Context, st types.ProcessState, expectedVersion int64) (types.ProcessState, error) {
	var params []byte
	if len(st.Params) > 0 {
		params = st.Params
	}

	if expectedVersion == 0 {
		saved, err := scanProcess(s.pool.QueryRow(ctx, `
			INSERT INTO process_states (
				tenant_id, kind, running, phase, started_at, owner, last_heartbeat,
				params, stop_requested, last_error, version, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, NOW())
			ON CONFLICT (tenant_id, kind) DO NOTHING
			RETURNING `+processColumns,
			st.TenantID, st.Kind, st.Running, st.Phase, st.StartedAt, st.Owner,
			st.LastHeartbeat, params, st.StopRequested, st.LastError,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return types.ProcessState{}, fmt.Errorf("insert %s: %w", st.Key(), store.ErrConflict)
		}
		if err != nil {
			return types.ProcessState{}, fmt.Errorf("insert %s: %w", st.Key(), err)
		}
		return saved, nil
	}

	saved, err := scanProcess(s.pool.QueryRow(ctx, `
		UPDATE process_states SET
			running = $3,
			phase = $4,
			started_at = $5,
			owner = $6,
			last_heartbeat = $7,
			params = $8,
			stop_requested = $9,
			last_error = $10,
			version = version + 1,
			updated_at = NOW()
		WHERE tenant_id = $1 AND kind = $2 AND version = $11
		RETURNING `+processColumns,
		st.TenantID, st.Kind, st.Running, st.Phase, st.StartedAt, st.Owner,
		st.LastHeartbeat, params, st.StopRequested, st.LastError, expectedVersion,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.Get(ctx, st.Key()); errors.Is(getErr, store.ErrNotFound) {
			return types.ProcessState{}, fmt.Errorf("update %s: %w", st.Key(), store.ErrNotFound)
		}
		return types.ProcessState{}, fmt.Errorf("update %s at version %d: %w", st.Key(), expectedVersion, store.ErrConflict)
	}
	if err != nil {
		return types.ProcessState{}, fmt.Errorf("update %s: %w", st.Key(), err)
	}
	return saved, nil
}
