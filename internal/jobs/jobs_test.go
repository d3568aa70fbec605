package jobs

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adpilot/automation-service/internal/gateway"
	"github.com/adpilot/automation-service/internal/notify"
	"github.com/adpilot/automation-service/internal/store/memory"
	"github.com/adpilot/automation-service/internal/tasks"
	"github.com/adpilot/automation-service/internal/types"
)

const tenant = "acme"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func spend(v string) types.Metrics {
	return types.Metrics{types.MetricSpend: dec(v)}
}

// fakePlatform is an in-memory ad platform
type fakePlatform struct {
	mu         sync.Mutex
	entities   map[string][]types.Entity
	metrics    map[string]types.Metrics
	listErr    map[string]error
	disabled   []string
	budgets    map[string]decimal.Decimal
	lookbacks  []time.Duration
	metricCall [][]string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		entities: make(map[string][]types.Entity),
		metrics:  make(map[string]types.Metrics),
		listErr:  make(map[string]error),
		budgets:  make(map[string]decimal.Decimal),
	}
}

func (p *fakePlatform) add(accountID string, ent types.Entity, m types.Metrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ent.AccountID = accountID
	if ent.Status == "" {
		ent.Status = types.EntityActive
	}
	p.entities[accountID] = append(p.entities[accountID], ent)
	if m != nil {
		p.metrics[ent.ID] = m
	}
}

func (p *fakePlatform) ListEntities(_ context.Context, accountID string) ([]types.Entity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.listErr[accountID]; err != nil {
		return nil, err
	}
	return append([]types.Entity(nil), p.entities[accountID]...), nil
}

func (p *fakePlatform) FetchMetrics(_ context.Context, _ string, ids []string, lookback time.Duration) (map[string]types.Metrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookbacks = append(p.lookbacks, lookback)
	p.metricCall = append(p.metricCall, append([]string(nil), ids...))
	out := make(map[string]types.Metrics, len(ids))
	for _, id := range ids {
		if m, ok := p.metrics[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

func (p *fakePlatform) DisableEntity(_ context.Context, accountID, entityID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled = append(p.disabled, entityID)
	for i, ent := range p.entities[accountID] {
		if ent.ID == entityID {
			p.entities[accountID][i].Status = types.EntityDisabled
		}
	}
	return nil
}

func (p *fakePlatform) SetBudget(_ context.Context, accountID, entityID string, budget decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.budgets[entityID] = budget
	for i, ent := range p.entities[accountID] {
		if ent.ID == entityID {
			p.entities[accountID][i].Budget = budget
		}
	}
	return nil
}

func (p *fakePlatform) Disabled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.disabled...)
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls [][]types.Operation
	kinds []types.TaskKind
	err   error
}

func (s *fakeSubmitter) Submit(_ context.Context, _ string, kind types.TaskKind, ops []types.Operation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.calls = append(s.calls, ops)
	s.kinds = append(s.kinds, kind)
	return "task-1", nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Publish(ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) ofType(t notify.EventType) []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Event
	for _, ev := range n.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	mem      *memory.Store
	platform *fakePlatform
	tasks    *fakeSubmitter
	notifier *recordingNotifier
	factory  *Factory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		mem:      memory.New(),
		platform: newFakePlatform(),
		tasks:    &fakeSubmitter{},
		notifier: &recordingNotifier{},
	}
	fx.mem.PutAccount(types.Account{ID: "acc-1", TenantID: tenant}, "token-1")
	fx.factory = NewFactory(Deps{
		Platform:   fx.platform,
		Accounts:   fx.mem,
		Rules:      fx.mem,
		Protection: fx.mem,
		Actions:    fx.mem.Actions(),
		Tasks:      fx.tasks,
		Notifier:   fx.notifier,
	}, Defaults{Intervals: map[types.JobKind]time.Duration{
		types.JobDisableScheduler: time.Hour,
		types.JobBudgetScheduler:  time.Hour,
		types.JobScalingScheduler: time.Hour,
	}}, nil)
	return fx
}

func (fx *fixture) rule(rs types.RuleSet) {
	rs.TenantID = tenant
	rs.Enabled = true
	fx.mem.PutRuleSet(rs)
}

func spendAbove(v string) []types.Condition {
	return []types.Condition{{Metric: types.MetricSpend, Operator: types.OpGT, Value: dec(v)}}
}

// runOnce builds a job and runs exactly one cycle
func (fx *fixture) runOnce(t *testing.T, spec JobSpec) CycleReport {
	t.Helper()
	job, err := fx.factory.Build(tenant, spec)
	require.NoError(t, err)
	rep, err := job.(*loop).cycle(context.Background())
	require.NoError(t, err)
	return rep
}

func (fx *fixture) actions(t *testing.T) []types.ActionRecord {
	t.Helper()
	recs, err := fx.mem.ListActions(context.Background(), tenant, 0)
	require.NoError(t, err)
	return recs
}

func TestDisableCycle(t *testing.T) {
	fx := newFixture(t)
	fx.rule(types.RuleSet{ID: "r-spend", Kind: types.RuleDisable, Conditions: spendAbove("100")})

	fx.platform.add("acc-1", types.Entity{ID: "b1"}, spend("150"))
	fx.platform.add("acc-1", types.Entity{ID: "b2"}, spend("100"))
	fx.platform.add("acc-1", types.Entity{ID: "b3", Status: types.EntityDisabled}, spend("500"))
	fx.platform.add("acc-1", types.Entity{ID: "b4"}, spend("500"))
	fx.platform.add("acc-1", types.Entity{ID: "b5"}, nil)
	fx.mem.Protect(tenant, "b4")

	rep := fx.runOnce(t, DisableParams{})
	assert.Equal(t, []string{"b1"}, fx.platform.Disabled())
	assert.Equal(t, 1, rep.Accounts)
	assert.Equal(t, 5, rep.Entities)
	assert.Equal(t, 1, rep.Matched)
	assert.Equal(t, 1, rep.Actions)

	fx.platform.mu.Lock()
	assert.ElementsMatch(t, []string{"b1", "b2", "b5"}, fx.platform.metricCall[0], "disabled and protected entities are not fetched")
	assert.Equal(t, 24*time.Hour, fx.platform.lookbacks[0])
	fx.platform.mu.Unlock()

	recs := fx.actions(t)
	require.Len(t, recs, 1)
	assert.Equal(t, types.ActionDisable, recs[0].Action)
	assert.Equal(t, []string{"r-spend"}, recs[0].RuleIDs)
	assert.Equal(t, "ok", recs[0].Outcome)
	assert.Len(t, fx.notifier.ofType(notify.EventActionTaken), 1)

	// b1 is now disabled remotely, so a second cycle does nothing
	rep = fx.runOnce(t, DisableParams{})
	assert.Equal(t, []string{"b1"}, fx.platform.Disabled())
	assert.Zero(t, rep.Actions)
}

func TestDisableCycleDryRun(t *testing.T) {
	fx := newFixture(t)
	fx.rule(types.RuleSet{ID: "r-spend", Kind: types.RuleDisable, Conditions: spendAbove("100")})
	fx.platform.add("acc-1", types.Entity{ID: "b1"}, spend("150"))

	fx.runOnce(t, DisableParams{LoopParams: LoopParams{DryRun: true, Lookback: Duration(6 * time.Hour)}})
	assert.Empty(t, fx.platform.Disabled())

	recs := fx.actions(t)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].DryRun)
	assert.Equal(t, 6*time.Hour, fx.platform.lookbacks[0])
}

func TestCycleSkipsWithoutEnabledRules(t *testing.T) {
	fx := newFixture(t)
	fx.mem.PutRuleSet(types.RuleSet{ID: "off", TenantID: tenant, Kind: types.RuleDisable, Enabled: false, Conditions: spendAbove("1")})
	fx.platform.add("acc-1", types.Entity{ID: "b1"}, spend("150"))

	rep := fx.runOnce(t, DisableParams{})
	assert.True(t, rep.Skipped)
	assert.Empty(t, fx.platform.Disabled())
}

func TestBrokenAccountDoesNotStopCycle(t *testing.T) {
	fx := newFixture(t)
	fx.mem.PutAccount(types.Account{ID: "acc-2", TenantID: tenant}, "token-2")
	fx.rule(types.RuleSet{ID: "r-spend", Kind: types.RuleDisable, Conditions: spendAbove("100")})

	fx.platform.listErr["acc-1"] = &gateway.Error{Class: gateway.ClassPermanent, Status: http.StatusUnauthorized, AccountID: "acc-1"}
	fx.platform.add("acc-1", types.Entity{ID: "a1"}, spend("500"))
	fx.platform.add("acc-2", types.Entity{ID: "b1"}, spend("500"))

	rep := fx.runOnce(t, DisableParams{})
	assert.Equal(t, []string{"b1"}, fx.platform.Disabled())
	assert.Equal(t, 1, rep.Failures)
	assert.Equal(t, 2, rep.Accounts)
}

func TestAccountFilter(t *testing.T) {
	fx := newFixture(t)
	fx.mem.PutAccount(types.Account{ID: "acc-2", TenantID: tenant}, "token-2")
	fx.rule(types.RuleSet{ID: "r-spend", Kind: types.RuleDisable, Conditions: spendAbove("100")})
	fx.platform.add("acc-1", types.Entity{ID: "a1"}, spend("500"))
	fx.platform.add("acc-2", types.Entity{ID: "b1"}, spend("500"))

	fx.runOnce(t, DisableParams{LoopParams: LoopParams{Accounts: []string{"acc-2"}}})
	assert.Equal(t, []string{"b1"}, fx.platform.Disabled())
}

func TestBudgetCycleComposesFactors(t *testing.T) {
	fx := newFixture(t)
	fx.rule(types.RuleSet{ID: "r-up", Kind: types.RuleBudget, Priority: 1, Conditions: spendAbove("50"), BudgetDeltaPercent: dec("10")})
	fx.rule(types.RuleSet{ID: "r-down", Kind: types.RuleBudget, Priority: 2, Conditions: spendAbove("80"), BudgetDeltaPercent: dec("-5")})
	fx.platform.add("acc-1", types.Entity{ID: "b1", Budget: dec("100")}, spend("90"))
	fx.platform.add("acc-1", types.Entity{ID: "b2", Budget: dec("100")}, spend("10"))

	rep := fx.runOnce(t, BudgetParams{})
	assert.Equal(t, 1, rep.Actions)
	require.Contains(t, fx.platform.budgets, "b1")
	assert.Equal(t, "104.50", fx.platform.budgets["b1"].StringFixed(2))
	assert.NotContains(t, fx.platform.budgets, "b2")

	recs := fx.actions(t)
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"r-up", "r-down"}, recs[0].RuleIDs)
	assert.Equal(t, "100.00", recs[0].OldBudget.StringFixed(2))
	assert.Equal(t, "104.50", recs[0].NewBudget.StringFixed(2))
}

func TestBudgetCycleClamps(t *testing.T) {
	fx := newFixture(t)
	fx.rule(types.RuleSet{ID: "r-up", Kind: types.RuleBudget, Conditions: spendAbove("50"), BudgetDeltaPercent: dec("50")})
	fx.platform.add("acc-1", types.Entity{ID: "b1", Budget: dec("100")}, spend("90"))
	fx.platform.add("acc-1", types.Entity{ID: "b2", Budget: dec("120")}, spend("90"))

	maxBudget := dec("120")
	fx.runOnce(t, BudgetParams{MaxBudget: &maxBudget})
	assert.Equal(t, "120.00", fx.platform.budgets["b1"].StringFixed(2))
	assert.NotContains(t, fx.platform.budgets, "b2", "already at the cap")
}

func TestScalingCycleSubmitsAutoTask(t *testing.T) {
	fx := newFixture(t)
	fx.rule(types.RuleSet{
		ID: "r-scale", Kind: types.RuleScaling, Copies: 2,
		Conditions: []types.Condition{{Metric: types.MetricConversions, Operator: types.OpGTE, Value: dec("10")}},
	})
	fx.platform.add("acc-1", types.Entity{ID: "b1"}, types.Metrics{types.MetricConversions: dec("12")})
	fx.platform.add("acc-1", types.Entity{ID: "b2"}, types.Metrics{types.MetricConversions: dec("15")})
	fx.platform.add("acc-1", types.Entity{ID: "b3"}, types.Metrics{types.MetricConversions: dec("3")})

	rep := fx.runOnce(t, ScalingParams{NamePrefix: "x2 ", MaxCopiesPerCycle: 3})
	assert.Equal(t, 2, rep.Matched)

	require.Len(t, fx.tasks.calls, 1)
	assert.Equal(t, types.TaskAuto, fx.tasks.kinds[0])
	ops := fx.tasks.calls[0]
	require.Len(t, ops, 3, "capped at three copies")
	assert.Equal(t, "b1", ops[0].EntityID)
	assert.Equal(t, "b1", ops[1].EntityID)
	assert.Equal(t, "b2", ops[2].EntityID)
	assert.Equal(t, "x2 ", ops[0].NamePrefix)
	assert.Len(t, fx.actions(t), 2)
}

func TestScalingCycleDefersWhileTaskRuns(t *testing.T) {
	fx := newFixture(t)
	fx.rule(types.RuleSet{ID: "r-scale", Kind: types.RuleScaling, Copies: 1, Conditions: spendAbove("1")})
	fx.platform.add("acc-1", types.Entity{ID: "b1"}, spend("5"))
	fx.tasks.err = tasks.ErrAlreadyRunning

	rep := fx.runOnce(t, ScalingParams{})
	assert.True(t, rep.Skipped)
	assert.Empty(t, fx.actions(t))
}

func TestBuildRejectsInvalidSpec(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.factory.Build(tenant, DisableParams{LoopParams: LoopParams{Cron: "nope"}})
	assert.ErrorIs(t, err, ErrInvalidSpec)

	noTasks := NewFactory(Deps{Platform: fx.platform, Accounts: fx.mem, Rules: fx.mem}, Defaults{}, nil)
	_, err = noTasks.Build(tenant, ScalingParams{LoopParams: LoopParams{Interval: Duration(time.Minute)}})
	assert.Error(t, err)
}

func TestLoopRunsUntilCancelled(t *testing.T) {
	fx := newFixture(t)
	fx.rule(types.RuleSet{ID: "r-spend", Kind: types.RuleDisable, Conditions: spendAbove("100")})
	fx.platform.add("acc-1", types.Entity{ID: "b1"}, spend("150"))

	job, err := fx.factory.Build(tenant, DisableParams{LoopParams: LoopParams{Interval: Duration(10 * time.Millisecond)}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- job.Run(ctx, func() { close(ready) }) }()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("job never became ready")
	}
	require.Eventually(t, func() bool { return len(fx.platform.Disabled()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not stop")
	}
}

func TestOneShotReturnsAfterSingleCycle(t *testing.T) {
	fx := newFixture(t)
	fx.rule(types.RuleSet{ID: "r-spend", Kind: types.RuleDisable, Conditions: spendAbove("100")})
	fx.platform.add("acc-1", types.Entity{ID: "b1"}, spend("150"))

	job, err := fx.factory.Build(tenant, AnalysisParams{})
	require.NoError(t, err)

	readyCalls := 0
	require.NoError(t, job.Run(context.Background(), func() { readyCalls++ }))
	assert.Equal(t, 1, readyCalls)
	assert.Empty(t, fx.platform.Disabled(), "analysis without apply only records findings")

	recs := fx.actions(t)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].DryRun)
	assert.Equal(t, types.JobOneTimeAnalysis, recs[0].JobKind)
}

type failingAccounts struct{}

func (failingAccounts) ListAccounts(context.Context, string) ([]types.Account, error) {
	return nil, errors.New("registry unavailable")
}

func TestRunFailsBeforeReadyWhenRegistryDown(t *testing.T) {
	fx := newFixture(t)
	f := NewFactory(Deps{Platform: fx.platform, Accounts: failingAccounts{}, Rules: fx.mem}, Defaults{Lookback: time.Hour}, nil)
	job, err := f.Build(tenant, AnalysisParams{})
	require.NoError(t, err)

	called := false
	err = job.Run(context.Background(), func() { called = true })
	assert.Error(t, err)
	assert.False(t, called)
}
