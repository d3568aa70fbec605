package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/adpilot/automation-service/internal/store"
	"github.com/adpilot/automation-service/internal/types"
)

// ActionStore is the Postgres store.ActionStore over actions_log
type ActionStore struct {
	pool *pgxpool.Pool
}

// NewActionStore creates an action store on pool
func NewActionStore(pool *pgxpool.Pool) *ActionStore {
	return &ActionStore{pool: pool}
}

var _ store.ActionStore = (*ActionStore)(nil)

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

// Append writes one action record
func (s *ActionStore) Append(ctx context.Context, rec types.ActionRecord) error {
	ruleIDs := rec.RuleIDs
	if ruleIDs == nil {
		ruleIDs = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO actions_log (
			tenant_id, job_kind, account_id, entity_id, rule_ids, action,
			old_budget, new_budget, dry_run, outcome, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.TenantID, rec.JobKind, rec.AccountID, rec.EntityID, ruleIDs, rec.Action,
		nullDecimal(rec.OldBudget), nullDecimal(rec.NewBudget), rec.DryRun, rec.Outcome, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("append action for %s: %w", rec.EntityID, err)
	}
	return nil
}

// ListByTenant returns the newest records first
func (s *ActionStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]types.ActionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, job_kind, account_id, entity_id, rule_ids, action,
		       old_budget, new_budget, dry_run, outcome, error, created_at
		FROM actions_log
		WHERE tenant_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	out := make([]types.ActionRecord, 0)
	for rows.Next() {
		var rec types.ActionRecord
		var oldBudget, newBudget decimal.NullDecimal
		if err := rows.Scan(
			&rec.ID, &rec.TenantID, &rec.JobKind, &rec.AccountID, &rec.EntityID, &rec.RuleIDs,
			&rec.Action, &oldBudget, &newBudget, &rec.DryRun, &rec.Outcome, &rec.Error, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		if oldBudget.Valid {
			rec.OldBudget = &oldBudget.Decimal
		}
		if newBudget.Valid {
			rec.NewBudget = &newBudget.Decimal
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
