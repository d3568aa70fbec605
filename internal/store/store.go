// Package store defines the persistence contracts of the automation engine.
// Postgres implementations live in internal/database, in-memory ones in
// internal/store/memory.
package store

import (
	"context"
	"errors"

	"github.com/adpilot/automation-service/internal/types"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-swap loses against a concurrent writer
	ErrConflict = errors.New("version conflict")
	// ErrActiveTaskExists is returned when a pending or running task already
	// exists for the same tenant and task kind
	ErrActiveTaskExists = errors.New("active task exists")
	// ErrTaskFinished is returned when an update targets a terminal task
	ErrTaskFinished = errors.New("task already finished")
)

// ProcessStore persists supervisor rows keyed by (tenant, job kind).
//
// Save is the only write path. expectedVersion 0 inserts a new row and fails
// with ErrConflict if one exists; any other value updates the row only if its
// stored version still equals expectedVersion. The returned state carries the
// new version.
type ProcessStore interface {
	Get(ctx context.Context, key types.ProcessKey) (types.ProcessState, error)
	ListByTenant(ctx context.Context, tenantID string) ([]types.ProcessState, error)
	// ListActive returns rows that are running or in a transitional phase
	ListActive(ctx context.Context) ([]types.ProcessState, error)
	Save(ctx context.Context, st types.ProcessState, expectedVersion int64) (types.ProcessState, error)
}

// TaskStore persists batch tasks
type TaskStore interface {
	// CreateIfNoActive inserts task unless a pending or running task exists for
	// (task.TenantID, task.Kind), in which case it returns ErrActiveTaskExists
	CreateIfNoActive(ctx context.Context, task types.Task) error
	// Update overwrites a pending or running task. Terminal tasks are
	// immutable and yield ErrTaskFinished.
	Update(ctx context.Context, task types.Task) error
	Get(ctx context.Context, id string) (types.Task, error)
	// ListActive returns pending and running tasks of every tenant
	ListActive(ctx context.Context) ([]types.Task, error)
}

// ActionStore is the append-only log of scheduler actions
type ActionStore interface {
	Append(ctx context.Context, rec types.ActionRecord) error
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]types.ActionRecord, error)
}

// RuleSource lists a tenant's rule sets of one kind
type RuleSource interface {
	ListRuleSets(ctx context.Context, tenantID string, kind types.RuleKind) ([]types.RuleSet, error)
}

// AccountRegistry lists a tenant's ad-platform accounts
type AccountRegistry interface {
	ListAccounts(ctx context.Context, tenantID string) ([]types.Account, error)
}

// ProtectionSource returns the IDs of entities exempt from automation
type ProtectionSource interface {
	ProtectedEntities(ctx context.Context, tenantID string) ([]string, error)
}
