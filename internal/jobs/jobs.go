package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/adpilot/automation-service/internal/notify"
	"github.com/adpilot/automation-service/internal/store"
	"github.com/adpilot/automation-service/internal/types"
)

// Platform is the ad-platform surface the schedulers read from and mutate
type Platform interface {
	ListEntities(ctx context.Context, accountID string) ([]types.Entity, error)
	FetchMetrics(ctx context.Context, accountID string, entityIDs []string, lookback time.Duration) (map[string]types.Metrics, error)
	DisableEntity(ctx context.Context, accountID, entityID string) error
	SetBudget(ctx context.Context, accountID, entityID string, budget decimal.Decimal) error
}

// TaskSubmitter hands duplication batches to the task runner
type TaskSubmitter interface {
	Submit(ctx context.Context, tenantID string, kind types.TaskKind, ops []types.Operation) (string, error)
}

// Deps are the collaborators shared by every job
type Deps struct {
	Platform   Platform
	Accounts   store.AccountRegistry
	Rules      store.RuleSource
	Protection store.ProtectionSource
	Actions    store.ActionStore
	// Tasks is required by the scaling scheduler only
	Tasks    TaskSubmitter
	Notifier notify.Notifier
}

// Defaults apply when a job's params leave a field unset
type Defaults struct {
	Intervals map[types.JobKind]time.Duration
	Lookback  time.Duration
}

// Job is a runnable job instance. Run calls ready once it is initialized and
// returns when ctx is cancelled or, for one-shot jobs, when the work is done.
// An error returned before ready is a start failure.
type Job interface {
	Run(ctx context.Context, ready func()) error
}

// CycleReport summarizes one pass over a tenant's accounts
type CycleReport struct {
	Accounts int  `json:"accounts"`
	Entities int  `json:"entities"`
	Matched  int  `json:"matched"`
	Actions  int  `json:"actions"`
	Failures int  `json:"failures"`
	Skipped  bool `json:"skipped"`
}

// Factory builds jobs from specs
type Factory struct {
	deps     Deps
	defaults Defaults
	logger   *zerolog.Logger
	now      func() time.Time
}

// NewFactory creates a job factory
func NewFactory(deps Deps, defaults Defaults, logger *zerolog.Logger) *Factory {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if defaults.Lookback <= 0 {
		defaults.Lookback = 24 * time.Hour
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "jobs").Logger()
	return &Factory{
		deps:     deps,
		defaults: defaults,
		logger:   &l,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Build validates spec and returns a job for the tenant
func (f *Factory) Build(tenantID string, spec JobSpec) (Job, error) {
	if err := Validate(spec); err != nil {
		return nil, err
	}
	if f.deps.Platform == nil || f.deps.Accounts == nil || f.deps.Rules == nil {
		return nil, errors.New("jobs: platform, accounts and rules are required")
	}

	l := &loop{f: f, tenantID: tenantID, kind: spec.Kind()}
	logger := f.logger.With().Str("tenant_id", tenantID).Str("kind", string(spec.Kind())).Logger()
	l.logger = &logger

	var loopParams LoopParams
	switch p := spec.(type) {
	case DisableParams:
		loopParams = p.LoopParams
		l.cycle = (&disableCycle{f: f, tenantID: tenantID, params: p}).run
	case BudgetParams:
		loopParams = p.LoopParams
		l.cycle = (&budgetCycle{f: f, tenantID: tenantID, params: p}).run
	case ScalingParams:
		if f.deps.Tasks == nil {
			return nil, errors.New("jobs: scaling scheduler needs a task submitter")
		}
		loopParams = p.LoopParams
		l.cycle = (&scalingCycle{f: f, tenantID: tenantID, params: p}).run
	case AnalysisParams:
		l.oneShot = true
		l.cycle = (&analysisCycle{f: f, tenantID: tenantID, params: p}).run
		return l, nil
	default:
		return nil, fmt.Errorf("%w: unsupported spec %T", ErrInvalidSpec, spec)
	}

	sched, err := NewSchedule(loopParams, f.defaults.Intervals[spec.Kind()])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSpec, spec.Kind(), err)
	}
	l.schedule = sched
	return l, nil
}

func (f *Factory) lookback(d Duration) time.Duration {
	if d.Std() > 0 {
		return d.Std()
	}
	return f.defaults.Lookback
}

// loop drives one job instance
type loop struct {
	f        *Factory
	tenantID string
	kind     types.JobKind
	schedule Schedule
	oneShot  bool
	cycle    func(ctx context.Context) (CycleReport, error)
	logger   *zerolog.Logger
}

// Run implements Job
func (l *loop) Run(ctx context.Context, ready func()) error {
	// the account registry must answer before the job reports ready
	if _, err := l.f.deps.Accounts.ListAccounts(ctx, l.tenantID); err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	ready()
	l.logger.Info().Bool("one_shot", l.oneShot).Msg("Job loop started")

	for {
		if ctx.Err() != nil {
			l.logger.Info().Msg("Job loop stopped")
			return nil
		}

		err := l.runCycle(ctx)
		if l.oneShot {
			return err
		}

		next := l.schedule.Next(l.f.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			l.logger.Info().Msg("Job loop stopped")
			return nil
		case <-timer.C:
		}
	}
}

func (l *loop) runCycle(ctx context.Context) error {
	start := time.Now()
	report, err := l.cycle(ctx)
	elapsed := time.Since(start)
	cycleDuration.WithLabelValues(string(l.kind)).Observe(elapsed.Seconds())

	switch {
	case err != nil && ctx.Err() != nil:
		cyclesTotal.WithLabelValues(string(l.kind), "interrupted").Inc()
		l.logger.Info().Dur("duration", elapsed).Msg("Cycle interrupted by stop")
		return nil
	case err != nil:
		cyclesTotal.WithLabelValues(string(l.kind), "error").Inc()
		l.logger.Error().Err(err).Dur("duration", elapsed).Msg("Cycle failed")
		l.f.deps.Notifier.Publish(notify.Event{
			Type:     notify.EventError,
			TenantID: l.tenantID,
			JobKind:  string(l.kind),
			Data:     map[string]any{"error": err.Error(), "stage": "cycle"},
		})
		return err
	case report.Skipped:
		cyclesTotal.WithLabelValues(string(l.kind), "skipped").Inc()
		l.logger.Debug().Msg("Cycle skipped, no enabled rule sets")
		return nil
	default:
		cyclesTotal.WithLabelValues(string(l.kind), "ok").Inc()
		l.logger.Info().
			Int("accounts", report.Accounts).
			Int("entities", report.Entities).
			Int("matched", report.Matched).
			Int("actions", report.Actions).
			Int("failures", report.Failures).
			Dur("duration", elapsed).
			Msg("Cycle completed")
		return nil
	}
}
