package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adpilot/automation-service/internal/store"
	"github.com/adpilot/automation-service/internal/types"
)

// Catalog serves the read-mostly tenant configuration: accounts, account
// tokens, rule sets and protected entities.
type Catalog struct {
	pool *pgxpool.Pool
}

// NewCatalog creates a catalog on pool
func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

var (
	_ store.AccountRegistry  = (*Catalog)(nil)
	_ store.RuleSource       = (*Catalog)(nil)
	_ store.ProtectionSource = (*Catalog)(nil)
)

// ListAccounts implements store.AccountRegistry
func (c *Catalog) ListAccounts(ctx context.Context, tenantID string) ([]types.Account, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, tenant_id, credentials_ref
		FROM accounts
		WHERE tenant_id = $1
		ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	out := make([]types.Account, 0)
	for rows.Next() {
		var a types.Account
		if err := rows.Scan(&a.ID, &a.TenantID, &a.CredentialsRef); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Token returns the ad-platform access token of an account
func (c *Catalog) Token(ctx context.Context, accountID string) (string, error) {
	var token string
	err := c.pool.QueryRow(ctx, `SELECT access_token FROM accounts WHERE id = $1`, accountID).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && token == "") {
		return "", fmt.Errorf("account %s has no credentials: %w", accountID, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}
	return token, nil
}

// UpsertAccount creates or replaces an account
func (c *Catalog) UpsertAccount(ctx context.Context, acc types.Account, token string) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO accounts (id, tenant_id, credentials_ref, access_token)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			credentials_ref = EXCLUDED.credentials_ref,
			access_token = EXCLUDED.access_token
	`, acc.ID, acc.TenantID, acc.CredentialsRef, token)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", acc.ID, err)
	}
	return nil
}

// ListRuleSets implements store.RuleSource
func (c *Catalog) ListRuleSets(ctx context.Context, tenantID string, kind types.RuleKind) ([]types.RuleSet, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, tenant_id, name, kind, enabled, priority, conditions, scope,
		       budget_delta_percent, copies
		FROM rule_sets
		WHERE tenant_id = $1 AND kind = $2
		ORDER BY priority, id
	`, tenantID, kind)
	if err != nil {
		return nil, fmt.Errorf("list rule sets: %w", err)
	}
	defer rows.Close()

	out := make([]types.RuleSet, 0)
	for rows.Next() {
		var rs types.RuleSet
		var conditions []byte
		if err := rows.Scan(
			&rs.ID, &rs.TenantID, &rs.Name, &rs.Kind, &rs.Enabled, &rs.Priority,
			&conditions, &rs.Scope, &rs.BudgetDeltaPercent, &rs.Copies,
		); err != nil {
			return nil, fmt.Errorf("scan rule set: %w", err)
		}
		if err := json.Unmarshal(conditions, &rs.Conditions); err != nil {
			return nil, fmt.Errorf("decode conditions of rule set %s: %w", rs.ID, err)
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

// UpsertRuleSet creates or replaces a rule set
func (c *Catalog) UpsertRuleSet(ctx context.Context, rs types.RuleSet) error {
	conditions, err := json.Marshal(rs.Conditions)
	if err != nil {
		return err
	}
	scope := rs.Scope
	if scope == nil {
		scope = []string{}
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO rule_sets (
			tenant_id, id, name, kind, enabled, priority, conditions, scope,
			budget_delta_percent, copies
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			enabled = EXCLUDED.enabled,
			priority = EXCLUDED.priority,
			conditions = EXCLUDED.conditions,
			scope = EXCLUDED.scope,
			budget_delta_percent = EXCLUDED.budget_delta_percent,
			copies = EXCLUDED.copies
	`, rs.TenantID, rs.ID, rs.Name, rs.Kind, rs.Enabled, rs.Priority, conditions, scope,
		rs.BudgetDeltaPercent, rs.Copies)
	if err != nil {
		return fmt.Errorf("upsert rule set %s: %w", rs.ID, err)
	}
	return nil
}

// ProtectedEntities implements store.ProtectionSource
func (c *Catalog) ProtectedEntities(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT entity_id FROM protected_entities WHERE tenant_id = $1 ORDER BY entity_id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list protected entities: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Protect adds protected entities for a tenant
func (c *Catalog) Protect(ctx context.Context, tenantID string, entityIDs ...string) error {
	batch := &pgx.Batch{}
	for _, id := range entityIDs {
		batch.Queue(`
			INSERT INTO protected_entities (tenant_id, entity_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, tenantID, id)
	}
	br := c.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range entityIDs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("protect entity: %w", err)
		}
	}
	return nil
}
