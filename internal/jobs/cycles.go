package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adpilot/automation-service/internal/gateway"
	"github.com/adpilot/automation-service/internal/notify"
	"github.com/adpilot/automation-service/internal/rules"
	"github.com/adpilot/automation-service/internal/tasks"
	"github.com/adpilot/automation-service/internal/types"
)

// sweep describes one pass over a tenant's accounts
type sweep struct {
	tenantID string
	kind     types.JobKind
	ruleKind types.RuleKind
	accounts []string
	lookback time.Duration
}

// visitFunc handles one entity. An account-fatal error ends the account.
type visitFunc func(ctx context.Context, acc types.Account, subject rules.Subject, ruleSets []types.RuleSet, protection rules.ProtectionSet, rep *CycleReport) error

// run loads rule sets, protection and accounts, then visits every entity of
// every in-scope account. Stop is observed between accounts and entities.
func (f *Factory) run(ctx context.Context, s sweep, visit visitFunc) (CycleReport, error) {
	var rep CycleReport
	log := f.logger.With().Str("tenant_id", s.tenantID).Str("kind", string(s.kind)).Logger()

	loaded, err := f.deps.Rules.ListRuleSets(ctx, s.tenantID, s.ruleKind)
	if err != nil {
		return rep, fmt.Errorf("list rule sets: %w", err)
	}
	ruleSets := make([]types.RuleSet, 0, len(loaded))
	for _, rs := range loaded {
		if !rs.Enabled {
			continue
		}
		if err := rules.Validate(rs); err != nil {
			log.Warn().Err(err).Str("rule_set_id", rs.ID).Msg("Skipping invalid rule set")
			continue
		}
		ruleSets = append(ruleSets, rs)
	}
	if len(ruleSets) == 0 {
		rep.Skipped = true
		return rep, nil
	}

	var protected []string
	if f.deps.Protection != nil {
		protected, err = f.deps.Protection.ProtectedEntities(ctx, s.tenantID)
		if err != nil {
			return rep, fmt.Errorf("load protection set: %w", err)
		}
	}
	protection := rules.NewStaticProtection(protected)

	accounts, err := f.deps.Accounts.ListAccounts(ctx, s.tenantID)
	if err != nil {
		return rep, fmt.Errorf("list accounts: %w", err)
	}

	for _, acc := range filterAccounts(accounts, s.accounts) {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if len(rules.Order(ruleSets, s.ruleKind, acc.ID)) == 0 {
			continue
		}
		rep.Accounts++

		entities, err := f.deps.Platform.ListEntities(ctx, acc.ID)
		if err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			rep.Failures++
			log.Warn().Err(err).Str("account_id", acc.ID).Msg("Failed to list entities, skipping account")
			continue
		}

		ids := make([]string, 0, len(entities))
		for _, ent := range entities {
			if ent.Status != types.EntityDisabled && !protection.IsProtected(ent.ID) {
				ids = append(ids, ent.ID)
			}
		}
		metrics, err := f.deps.Platform.FetchMetrics(ctx, acc.ID, ids, s.lookback)
		if err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			rep.Failures++
			log.Warn().Err(err).Str("account_id", acc.ID).Msg("Failed to fetch metrics, skipping account")
			continue
		}

		for _, ent := range entities {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			if ent.AccountID == "" {
				ent.AccountID = acc.ID
			}
			rep.Entities++
			err := visit(ctx, acc, rules.Subject{Entity: ent, Metrics: metrics[ent.ID]}, ruleSets, protection, &rep)
			if err != nil && ctx.Err() != nil {
				return rep, ctx.Err()
			}
			if gateway.IsAccountFatal(err) {
				log.Warn().Err(err).Str("account_id", acc.ID).Msg("Account rejected by platform, skipping remaining entities")
				break
			}
		}
	}
	return rep, nil
}

func filterAccounts(accounts []types.Account, only []string) []types.Account {
	if len(only) == 0 {
		return accounts
	}
	allowed := make(map[string]struct{}, len(only))
	for _, id := range only {
		allowed[id] = struct{}{}
	}
	out := make([]types.Account, 0, len(only))
	for _, acc := range accounts {
		if _, ok := allowed[acc.ID]; ok {
			out = append(out, acc)
		}
	}
	return out
}

// record persists and publishes one action attempt. The action error itself
// is returned so the caller can react to account-fatal failures.
func (f *Factory) record(ctx context.Context, rec types.ActionRecord, actErr error, rep *CycleReport) error {
	rec.CreatedAt = f.now()
	rec.Outcome = "ok"
	if actErr != nil {
		rec.Outcome = "error"
		rec.Error = actErr.Error()
		rep.Failures++
	} else {
		rep.Actions++
	}
	actionsTotal.WithLabelValues(string(rec.JobKind), string(rec.Action), rec.Outcome).Inc()

	log := f.logger.With().
		Str("tenant_id", rec.TenantID).
		Str("kind", string(rec.JobKind)).
		Str("account_id", rec.AccountID).
		Str("entity_id", rec.EntityID).
		Str("action", string(rec.Action)).
		Bool("dry_run", rec.DryRun).
		Logger()
	if actErr != nil {
		log.Warn().Err(actErr).Msg("Action failed")
	} else {
		log.Info().Strs("rule_ids", rec.RuleIDs).Msg("Action applied")
	}

	if f.deps.Actions != nil {
		// the log write must survive a stop that lands mid-action
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := f.deps.Actions.Append(wctx, rec); err != nil {
			log.Error().Err(err).Msg("Failed to append action record")
		}
		cancel()
	}

	data := map[string]any{
		"accountId": rec.AccountID,
		"entityId":  rec.EntityID,
		"action":    string(rec.Action),
		"ruleIds":   rec.RuleIDs,
		"dryRun":    rec.DryRun,
		"outcome":   rec.Outcome,
	}
	if rec.NewBudget != nil {
		data["newBudget"] = rec.NewBudget.StringFixed(2)
	}
	evType := notify.EventActionTaken
	if actErr != nil {
		evType = notify.EventError
		data["error"] = rec.Error
	}
	f.deps.Notifier.Publish(notify.Event{
		Type:     evType,
		TenantID: rec.TenantID,
		JobKind:  string(rec.JobKind),
		Data:     data,
	})
	return actErr
}

type disableCycle struct {
	f        *Factory
	tenantID string
	params   DisableParams
}

func (c *disableCycle) run(ctx context.Context) (CycleReport, error) {
	return c.f.run(ctx, sweep{
		tenantID: c.tenantID,
		kind:     types.JobDisableScheduler,
		ruleKind: types.RuleDisable,
		accounts: c.params.Accounts,
		lookback: c.f.lookback(c.params.Lookback),
	}, func(ctx context.Context, acc types.Account, subject rules.Subject, ruleSets []types.RuleSet, protection rules.ProtectionSet, rep *CycleReport) error {
		return c.f.disable(ctx, c.tenantID, types.JobDisableScheduler, c.params.DryRun, acc, subject, ruleSets, protection, rep)
	})
}

// disable evaluates and, unless dryRun, disables one entity
func (f *Factory) disable(ctx context.Context, tenantID string, kind types.JobKind, dryRun bool, acc types.Account, subject rules.Subject, ruleSets []types.RuleSet, protection rules.ProtectionSet, rep *CycleReport) error {
	d := rules.EvaluateDisable(subject, ruleSets, protection)
	if !d.Act {
		return nil
	}
	rep.Matched++

	var err error
	if !dryRun {
		err = f.deps.Platform.DisableEntity(ctx, acc.ID, subject.Entity.ID)
	}
	return f.record(ctx, types.ActionRecord{
		TenantID:  tenantID,
		JobKind:   kind,
		AccountID: acc.ID,
		EntityID:  subject.Entity.ID,
		RuleIDs:   []string{d.RuleID},
		Action:    types.ActionDisable,
		DryRun:    dryRun,
	}, err, rep)
}

type budgetCycle struct {
	f        *Factory
	tenantID string
	params   BudgetParams
}

func (c *budgetCycle) run(ctx context.Context) (CycleReport, error) {
	return c.f.run(ctx, sweep{
		tenantID: c.tenantID,
		kind:     types.JobBudgetScheduler,
		ruleKind: types.RuleBudget,
		accounts: c.params.Accounts,
		lookback: c.f.lookback(c.params.Lookback),
	}, c.visit)
}

func (c *budgetCycle) visit(ctx context.Context, acc types.Account, subject rules.Subject, ruleSets []types.RuleSet, protection rules.ProtectionSet, rep *CycleReport) error {
	d := rules.EvaluateBudget(subject, ruleSets, protection)
	if !d.Adjust {
		return nil
	}

	old := subject.Entity.Budget
	next := c.clamp(rules.ApplyFactor(old, d.Factor, 2))
	if next.Equal(old) {
		return nil
	}
	rep.Matched++

	var err error
	if !c.params.DryRun {
		err = c.f.deps.Platform.SetBudget(ctx, acc.ID, subject.Entity.ID, next)
	}
	return c.f.record(ctx, types.ActionRecord{
		TenantID:  c.tenantID,
		JobKind:   types.JobBudgetScheduler,
		AccountID: acc.ID,
		EntityID:  subject.Entity.ID,
		RuleIDs:   d.RuleIDs,
		Action:    types.ActionSetBudget,
		OldBudget: &old,
		NewBudget: &next,
		DryRun:    c.params.DryRun,
	}, err, rep)
}

func (c *budgetCycle) clamp(v decimal.Decimal) decimal.Decimal {
	if c.params.MinBudget != nil && v.LessThan(*c.params.MinBudget) {
		v = *c.params.MinBudget
	}
	if c.params.MaxBudget != nil && v.GreaterThan(*c.params.MaxBudget) {
		v = *c.params.MaxBudget
	}
	return v.Round(2)
}

type scalingCycle struct {
	f        *Factory
	tenantID string
	params   ScalingParams
}

type scaleCandidate struct {
	accountID string
	entityID  string
	ruleID    string
	copies    int
}

func (c *scalingCycle) run(ctx context.Context) (CycleReport, error) {
	var candidates []scaleCandidate
	budget := c.params.MaxCopiesPerCycle

	rep, err := c.f.run(ctx, sweep{
		tenantID: c.tenantID,
		kind:     types.JobScalingScheduler,
		ruleKind: types.RuleScaling,
		accounts: c.params.Accounts,
		lookback: c.f.lookback(c.params.Lookback),
	}, func(ctx context.Context, acc types.Account, subject rules.Subject, ruleSets []types.RuleSet, protection rules.ProtectionSet, rep *CycleReport) error {
		d := rules.EvaluateScaling(subject, ruleSets, protection)
		if !d.Act || d.Copies <= 0 {
			return nil
		}
		copies := d.Copies
		if c.params.MaxCopiesPerCycle > 0 {
			if budget <= 0 {
				return nil
			}
			if copies > budget {
				copies = budget
			}
			budget -= copies
		}
		rep.Matched++
		candidates = append(candidates, scaleCandidate{accountID: acc.ID, entityID: subject.Entity.ID, ruleID: d.RuleID, copies: copies})
		return nil
	})
	if err != nil || len(candidates) == 0 {
		return rep, err
	}

	var submitErr error
	if !c.params.DryRun {
		ops := make([]types.Operation, 0, len(candidates))
		for _, cand := range candidates {
			for i := 0; i < cand.copies; i++ {
				ops = append(ops, types.Operation{
					Kind:       types.OpDuplicate,
					AccountID:  cand.accountID,
					EntityID:   cand.entityID,
					NamePrefix: c.params.NamePrefix,
				})
			}
		}
		taskID, err := c.f.deps.Tasks.Submit(ctx, c.tenantID, types.TaskAuto, ops)
		switch {
		case errors.Is(err, tasks.ErrAlreadyRunning):
			// the previous batch is still running; the next cycle retries
			c.f.logger.Info().Str("tenant_id", c.tenantID).Int("operations", len(ops)).Msg("Scaling batch deferred, task already running")
			rep.Skipped = true
			return rep, nil
		case err != nil:
			submitErr = fmt.Errorf("submit scaling task: %w", err)
		default:
			c.f.logger.Info().Str("tenant_id", c.tenantID).Str("task_id", taskID).Int("operations", len(ops)).Msg("Scaling task submitted")
		}
	}

	for _, cand := range candidates {
		_ = c.f.record(ctx, types.ActionRecord{
			TenantID:  c.tenantID,
			JobKind:   types.JobScalingScheduler,
			AccountID: cand.accountID,
			EntityID:  cand.entityID,
			RuleIDs:   []string{cand.ruleID},
			Action:    types.ActionDuplicate,
			DryRun:    c.params.DryRun,
		}, submitErr, &rep)
	}
	return rep, nil
}

type analysisCycle struct {
	f        *Factory
	tenantID string
	params   AnalysisParams
}

func (c *analysisCycle) run(ctx context.Context) (CycleReport, error) {
	return c.f.run(ctx, sweep{
		tenantID: c.tenantID,
		kind:     types.JobOneTimeAnalysis,
		ruleKind: types.RuleDisable,
		accounts: c.params.Accounts,
		lookback: c.f.lookback(c.params.Lookback),
	}, func(ctx context.Context, acc types.Account, subject rules.Subject, ruleSets []types.RuleSet, protection rules.ProtectionSet, rep *CycleReport) error {
		return c.f.disable(ctx, c.tenantID, types.JobOneTimeAnalysis, !c.params.Apply, acc, subject, ruleSets, protection, rep)
	})
}
