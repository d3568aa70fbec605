package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/adpilot/automation-service/internal/store"
	"github.com/adpilot/automation-service/internal/types"
)

// setupTestDB starts a postgres container and applies the embedded migrations.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "Failed to start postgres container")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	applied, err := Migrate(ctx, pool)
	require.NoError(t, err)
	require.NotEmpty(t, applied)

	t.Cleanup(func() {
		pool.Close()
		testcontainers.TerminateContainer(container)
	})
	return pool
}

func TestPostgresStores(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	t.Run("migrations are idempotent", func(t *testing.T) {
		applied, err := Migrate(ctx, pool)
		require.NoError(t, err)
		assert.Empty(t, applied)
	})

	t.Run("process compare and swap", func(t *testing.T) {
		s := NewProcessStore(pool)
		st := types.ProcessState{
			TenantID: "acme",
			Kind:     types.JobDisableScheduler,
			Phase:    types.PhaseStarting,
			Owner:    "host:1:boot",
			Params:   []byte(`{"kind":"disable_scheduler"}`),
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Save(ctx, st, 0); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, store.ErrConflict)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, wins)

		got, err := s.Get(ctx, st.Key())
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.JSONEq(t, `{"kind":"disable_scheduler"}`, string(got.Params))

		got.Phase = types.PhaseRunning
		got.Running = true
		now := time.Now().UTC()
		got.LastHeartbeat = &now
		updated, err := s.Save(ctx, got, got.Version)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)

		_, err = s.Save(ctx, got, 1)
		assert.ErrorIs(t, err, store.ErrConflict)

		_, err = s.Save(ctx, types.ProcessState{TenantID: "nobody", Kind: types.JobBudgetScheduler}, 3)
		assert.ErrorIs(t, err, store.ErrNotFound)

		active, err := s.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.True(t, active[0].Running)
	})

	t.Run("one active task per tenant and kind", func(t *testing.T) {
		s := NewTaskStore(pool)
		task := types.Task{ID: "task-1", TenantID: "acme", Kind: types.TaskManual, Status: types.TaskPending,
			TotalOperations: 10, CreatedAt: time.Now().UTC()}
		require.NoError(t, s.CreateIfNoActive(ctx, task))

		err := s.CreateIfNoActive(ctx, types.Task{ID: "task-2", TenantID: "acme", Kind: types.TaskManual,
			Status: types.TaskPending, CreatedAt: time.Now().UTC()})
		assert.ErrorIs(t, err, store.ErrActiveTaskExists)

		task.Status = types.TaskFailed
		task.CompletedOperations = 3
		task.SuccessfulOperations = 2
		task.FailedOperations = 1
		task.Errors = []types.TaskError{{Timestamp: time.Now().UTC(), OperationRef: "op-3", Message: "boom"}}
		require.NoError(t, s.Update(ctx, task))

		got, err := s.Get(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, types.TaskFailed, got.Status)
		require.Len(t, got.Errors, 1)
		assert.Equal(t, "op-3", got.Errors[0].OperationRef)

		late := task
		late.Status = types.TaskCompleted
		late.CompletedOperations = 10
		assert.ErrorIs(t, s.Update(ctx, late), store.ErrTaskFinished, "finished tasks are immutable")
		assert.ErrorIs(t, s.Update(ctx, types.Task{ID: "task-missing", Status: types.TaskRunning}), store.ErrNotFound)
		got, err = s.Get(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, types.TaskFailed, got.Status)
		assert.Equal(t, 3, got.CompletedOperations)

		beat := time.Now().UTC().Truncate(time.Microsecond)
		require.NoError(t, s.CreateIfNoActive(ctx, types.Task{ID: "task-3", TenantID: "acme", Kind: types.TaskManual,
			Status: types.TaskPending, CreatedAt: beat, LastHeartbeat: &beat}))
		fresh, err := s.Get(ctx, "task-3")
		require.NoError(t, err)
		require.NotNil(t, fresh.LastHeartbeat)
		assert.True(t, beat.Equal(*fresh.LastHeartbeat))

		active, err := s.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "task-3", active[0].ID)
	})

	t.Run("actions and catalog", func(t *testing.T) {
		actions := NewActionStore(pool)
		oldBudget := decimal.RequireFromString("100.00")
		newBudget := decimal.RequireFromString("104.50")
		require.NoError(t, actions.Append(ctx, types.ActionRecord{
			TenantID: "acme", JobKind: types.JobBudgetScheduler, AccountID: "acc-1", EntityID: "b1",
			RuleIDs: []string{"r1", "r2"}, Action: types.ActionSetBudget,
			OldBudget: &oldBudget, NewBudget: &newBudget, Outcome: "ok",
		}))
		recs, err := actions.ListByTenant(ctx, "acme", 10)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.True(t, recs[0].NewBudget.Equal(newBudget))
		assert.Equal(t, []string{"r1", "r2"}, recs[0].RuleIDs)

		catalog := NewCatalog(pool)
		require.NoError(t, catalog.UpsertAccount(ctx, types.Account{ID: "acc-1", TenantID: "acme"}, "tok"))
		require.NoError(t, catalog.UpsertRuleSet(ctx, types.RuleSet{
			ID: "r1", TenantID: "acme", Kind: types.RuleBudget, Enabled: true,
			Conditions:         []types.Condition{{Metric: types.MetricROI, Operator: types.OpGT, Value: decimal.NewFromInt(2)}},
			BudgetDeltaPercent: decimal.NewFromInt(10),
		}))
		require.NoError(t, catalog.Protect(ctx, "acme", "b9"))

		accounts, err := catalog.ListAccounts(ctx, "acme")
		require.NoError(t, err)
		assert.Len(t, accounts, 1)

		token, err := catalog.Token(ctx, "acc-1")
		require.NoError(t, err)
		assert.Equal(t, "tok", token)

		ruleSets, err := catalog.ListRuleSets(ctx, "acme", types.RuleBudget)
		require.NoError(t, err)
		require.Len(t, ruleSets, 1)
		assert.True(t, ruleSets[0].BudgetDeltaPercent.Equal(decimal.NewFromInt(10)))
		require.Len(t, ruleSets[0].Conditions, 1)

		protected, err := catalog.ProtectedEntities(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, []string{"b9"}, protected)
	})
	t.Run("retention prunes only expired records", func(t *testing.T) {
		tasksStore := NewTaskStore(pool)
		old := time.Now().UTC().AddDate(0, 0, -60)
		recent := time.Now().UTC().Add(-time.Hour)
		require.NoError(t, tasksStore.CreateIfNoActive(ctx, types.Task{ID: "old-done", TenantID: "retained",
			Kind: types.TaskAuto, Status: types.TaskCompleted, CreatedAt: old, CompletedAt: &old}))
		require.NoError(t, tasksStore.CreateIfNoActive(ctx, types.Task{ID: "new-done", TenantID: "retained",
			Kind: types.TaskManual, Status: types.TaskCompleted, CreatedAt: recent, CompletedAt: &recent}))

		actions := NewActionStore(pool)
		require.NoError(t, actions.Append(ctx, types.ActionRecord{
			TenantID: "retained", JobKind: types.JobDisableScheduler, AccountID: "acc-1", EntityID: "e1",
			Action: types.ActionDisable, Outcome: "ok",
		}))
		_, err := pool.Exec(ctx, `UPDATE actions_log SET created_at = $1 WHERE tenant_id = 'retained'`, old)
		require.NoError(t, err)

		r := NewRetention(pool, RetentionConfig{ActionRetentionDays: 30, TaskRetentionDays: 30})
		stats, err := r.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, PruneResult{Actions: 1, Tasks: 1}, stats)

		res, err := r.Prune(ctx)
		require.NoError(t, err)
		assert.Equal(t, PruneResult{Actions: 1, Tasks: 1}, res)

		_, err = tasksStore.Get(ctx, "old-done")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = tasksStore.Get(ctx, "new-done")
		assert.NoError(t, err)

		active, err := tasksStore.ListActive(ctx)
		require.NoError(t, err)
		assert.Len(t, active, 1, "pending tasks survive pruning")
	})
}
