// Package memory provides in-memory implementations of the store contracts for
// tests and single-node development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adpilot/automation-service/internal/store"
	"github.com/adpilot/automation-service/internal/types"
)

// Store implements every store interface behind one mutex
type Store struct {
	mu         sync.Mutex
	processes  map[types.ProcessKey]types.ProcessState
	tasks      map[string]types.Task
	actions    []types.ActionRecord
	accounts   map[string][]types.Account
	tokens     map[string]string
	ruleSets   map[string][]types.RuleSet
	protected  map[string][]string
	nextAction int64
	now        func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		processes:  make(map[types.ProcessKey]types.ProcessState),
		tasks:      make(map[string]types.Task),
		actions:    make([]types.ActionRecord, 0, 64),
		accounts:   make(map[string][]types.Account),
		tokens:     make(map[string]string),
		ruleSets:   make(map[string][]types.RuleSet),
		protected:  make(map[string][]string),
		nextAction: 1,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

var (
	_ store.ProcessStore     = (*Store)(nil)
	_ store.TaskStore        = taskView{}
	_ store.ActionStore      = actionView{}
	_ store.RuleSource       = (*Store)(nil)
	_ store.AccountRegistry  = (*Store)(nil)
	_ store.ProtectionSource = (*Store)(nil)
)

// Get implements store.ProcessStore
func (m *Store) Get(_ context.Context, key types.ProcessKey) (types.ProcessState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.processes[key]
	if !ok {
		return types.ProcessState{}, store.ErrNotFound
	}
	return st, nil
}

// ListByTenant implements store.ProcessStore
func (m *Store) ListByTenant(_ context.Context, tenantID string) ([]types.ProcessState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ProcessState, 0)
	for key, st := range m.processes {
		if key.TenantID == tenantID {
			out = append(out, st)
		}
	}
	sortStates(out)
	return out, nil
}

// ListActive implements store.ProcessStore
func (m *Store) ListActive(_ context.Context) ([]types.ProcessState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ProcessState, 0)
	for _, st := range m.processes {
		if st.Running || st.Phase.IsActive() {
			out = append(out, st)
		}
	}
	sortStates(out)
	return out, nil
}

// Save implements store.ProcessStore
func (m *Store) Save(_ context.Context, st types.ProcessState, expectedVersion int64) (types.ProcessState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := st.Key()
	current, exists := m.processes[key]
	switch {
	case expectedVersion == 0 && exists:
		return types.ProcessState{}, fmt.Errorf("insert %s: %w", key, store.ErrConflict)
	case expectedVersion != 0 && !exists:
		return types.ProcessState{}, fmt.Errorf("update %s: %w", key, store.ErrNotFound)
	case expectedVersion != 0 && current.Version != expectedVersion:
		return types.ProcessState{}, fmt.Errorf("update %s at version %d: %w", key, expectedVersion, store.ErrConflict)
	}

	st.Version = expectedVersion + 1
	st.UpdatedAt = m.now()
	st.Params = append([]byte(nil), st.Params...)
	m.processes[key] = st
	return st, nil
}

// CreateIfNoActive inserts task unless the tenant has an active task of its kind
func (m *Store) CreateIfNoActive(_ context.Context, task types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.TenantID == task.TenantID && t.Kind == task.Kind && !t.Status.IsTerminal() {
			return store.ErrActiveTaskExists
		}
	}
	if _, exists := m.tasks[task.ID]; exists {
		return fmt.Errorf("insert task %s: %w", task.ID, store.ErrConflict)
	}
	m.tasks[task.ID] = task.Clone()
	return nil
}

// Update replaces a stored task unless it already finished
func (m *Store) Update(_ context.Context, task types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[task.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Status.IsTerminal() {
		return fmt.Errorf("update task %s: %w", task.ID, store.ErrTaskFinished)
	}
	m.tasks[task.ID] = task.Clone()
	return nil
}

// GetTask returns a task snapshot. TaskStore is exposed through Tasks() since
// Get already belongs to the process store.
func (m *Store) GetTask(_ context.Context, id string) (types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return types.Task{}, store.ErrNotFound
	}
	return t.Clone(), nil
}

// ListActiveTasks returns pending and running tasks
func (m *Store) ListActiveTasks(_ context.Context) ([]types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Task, 0)
	for _, t := range m.tasks {
		if !t.Status.IsTerminal() {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Append adds an action record
func (m *Store) Append(_ context.Context, rec types.ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.nextAction
	m.nextAction++
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	m.actions = append(m.actions, rec)
	return nil
}

// ListActions returns the newest action records of a tenant first
func (m *Store) ListActions(_ context.Context, tenantID string, limit int) ([]types.ActionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ActionRecord, 0)
	for i := len(m.actions) - 1; i >= 0; i-- {
		if m.actions[i].TenantID != tenantID {
			continue
		}
		out = append(out, m.actions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListRuleSets implements store.RuleSource
func (m *Store) ListRuleSets(_ context.Context, tenantID string, kind types.RuleKind) ([]types.RuleSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.RuleSet, 0)
	for _, rs := range m.ruleSets[tenantID] {
		if rs.Kind == kind {
			out = append(out, rs)
		}
	}
	return out, nil
}

// ListAccounts implements store.AccountRegistry
func (m *Store) ListAccounts(_ context.Context, tenantID string) ([]types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Account(nil), m.accounts[tenantID]...), nil
}

// ProtectedEntities implements store.ProtectionSource
func (m *Store) ProtectedEntities(_ context.Context, tenantID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.protected[tenantID]...), nil
}

// Token resolves the API token of an account
func (m *Store) Token(_ context.Context, accountID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[accountID]
	if !ok {
		return "", fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)
	}
	return token, nil
}

// PutAccount registers an account and its token
func (m *Store) PutAccount(acc types.Account, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acc.TenantID] = append(m.accounts[acc.TenantID], acc)
	m.tokens[acc.ID] = token
}

// PutRuleSet adds or replaces a rule set
func (m *Store) PutRuleSet(rs types.RuleSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.ruleSets[rs.TenantID]
	for i := range list {
		if list[i].ID == rs.ID {
			list[i] = rs
			return
		}
	}
	m.ruleSets[rs.TenantID] = append(list, rs)
}

// Protect marks entities of a tenant as protected
func (m *Store) Protect(tenantID string, entityIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protected[tenantID] = append(m.protected[tenantID], entityIDs...)
}

// Tasks returns the TaskStore view of the store
func (m *Store) Tasks() store.TaskStore { return taskView{m} }

// Actions returns the ActionStore view of the store
func (m *Store) Actions() store.ActionStore { return actionView{m} }

type taskView struct{ m *Store }

func (v taskView) CreateIfNoActive(ctx context.Context, task types.Task) error {
	return v.m.CreateIfNoActive(ctx, task)
}
func (v taskView) Update(ctx context.Context, task types.Task) error { return v.m.Update(ctx, task) }
func (v taskView) Get(ctx context.Context, id string) (types.Task, error) {
	return v.m.GetTask(ctx, id)
}
func (v taskView) ListActive(ctx context.Context) ([]types.Task, error) {
	return v.m.ListActiveTasks(ctx)
}

type actionView struct{ m *Store }

func (v actionView) Append(ctx context.Context, rec types.ActionRecord) error {
	return v.m.Append(ctx, rec)
}
func (v actionView) ListByTenant(ctx context.Context, tenantID string, limit int) ([]types.ActionRecord, error) {
	return v.m.ListActions(ctx, tenantID, limit)
}

func sortStates(states []types.ProcessState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].TenantID != states[j].TenantID {
			return states[i].TenantID < states[j].TenantID
		}
		return states[i].Kind < states[j].Kind
	})
}
