// Package rules evaluates rule sets against already-fetched entity metrics.
// Evaluation is pure: no I/O, no errors, same inputs give the same decision.
package rules

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/adpilot/automation-service/internal/types"
)

// Outcome describes how a single rule set was resolved for an entity
type Outcome string

const (
	OutcomeMatched         Outcome = "matched"
	OutcomeNotMatched      Outcome = "not_matched"
	OutcomeMissingMetric   Outcome = "missing_metric"
	OutcomeProtected       Outcome = "protected"
	OutcomeSkippedDisabled Outcome = "skipped_disabled"
)

// TraceEntry records the outcome of one rule set for one entity
type TraceEntry struct {
	RuleID  string  `json:"ruleId"`
	Outcome Outcome `json:"outcome"`
	// Metric is the first metric that was missing or failed, if any
	Metric types.Metric `json:"metric,omitempty"`
}

// Subject is the entity under evaluation together with its metric snapshot
type Subject struct {
	Entity  types.Entity
	Metrics types.Metrics
}

// ProtectionSet answers whether an entity is exempt from automated actions
type ProtectionSet interface {
	IsProtected(entityID string) bool
}

// StaticProtection is an in-memory protection snapshot
type StaticProtection map[string]struct{}

// NewStaticProtection builds a protection snapshot from entity IDs
func NewStaticProtection(entityIDs []string) StaticProtection {
	p := make(StaticProtection, len(entityIDs))
	for _, id := range entityIDs {
		p[id] = struct{}{}
	}
	return p
}

// IsProtected implements ProtectionSet
func (p StaticProtection) IsProtected(entityID string) bool {
	_, ok := p[entityID]
	return ok
}

// Decision is the result of a first-match evaluation (disable and scaling jobs)
type Decision struct {
	Act      bool   `json:"act"`
	RuleID   string `json:"ruleId,omitempty"`
	EntityID string `json:"entityId"`
	// Copies is set for scaling decisions
	Copies int `json:"copies,omitempty"`
	// Reason is set when Act is false and the entity was short-circuited
	Reason Outcome      `json:"reason,omitempty"`
	Trace  []TraceEntry `json:"trace"`
}

// BudgetDecision is the result of a cumulative budget evaluation
type BudgetDecision struct {
	Adjust   bool     `json:"adjust"`
	EntityID string   `json:"entityId"`
	RuleIDs  []string `json:"ruleIds,omitempty"`
	// Factor is the product of (1 + delta/100) over every matching rule set
	Factor decimal.Decimal `json:"factor"`
	Reason Outcome         `json:"reason,omitempty"`
	Trace  []TraceEntry    `json:"trace"`
}

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Order returns the enabled rule sets of the given kind scoped to accountID,
// sorted by priority ascending and then ID ascending. The input is not modified.
func Order(ruleSets []types.RuleSet, kind types.RuleKind, accountID string) []types.RuleSet {
	out := make([]types.RuleSet, 0, len(ruleSets))
	for _, rs := range ruleSets {
		if !rs.Enabled || rs.Kind != kind || !rs.AppliesTo(accountID) {
			continue
		}
		out = append(out, rs)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// shortCircuit applies the checks that run before any condition evaluation
func shortCircuit(subject Subject, protection ProtectionSet) (Outcome, bool) {
	if protection != nil && protection.IsProtected(subject.Entity.ID) {
		return OutcomeProtected, true
	}
	if subject.Entity.Status == types.EntityDisabled {
		return OutcomeSkippedDisabled, true
	}
	return "", false
}

// EvaluateDisable returns the first matching disable rule set for the entity
func EvaluateDisable(subject Subject, ruleSets []types.RuleSet, protection ProtectionSet) Decision {
	return firstMatch(subject, Order(ruleSets, types.RuleDisable, subject.Entity.AccountID), protection)
}

// EvaluateScaling returns the first matching scaling rule set for the entity
func EvaluateScaling(subject Subject, ruleSets []types.RuleSet, protection ProtectionSet) Decision {
	d := firstMatch(subject, Order(ruleSets, types.RuleScaling, subject.Entity.AccountID), protection)
	if d.Act {
		for _, rs := range ruleSets {
			if rs.ID == d.RuleID {
				d.Copies = rs.Copies
				break
			}
		}
		if d.Copies <= 0 {
			d.Copies = 1
		}
	}
	return d
}

func firstMatch(subject Subject, ordered []types.RuleSet, protection ProtectionSet) Decision {
	d := Decision{EntityID: subject.Entity.ID, Trace: []TraceEntry{}}
	if reason, stop := shortCircuit(subject, protection); stop {
		d.Reason = reason
		return d
	}
	for _, rs := range ordered {
		entry := Match(rs, subject.Metrics)
		d.Trace = append(d.Trace, entry)
		if entry.Outcome == OutcomeMatched {
			d.Act = true
			d.RuleID = rs.ID
			return d
		}
	}
	return d
}

// EvaluateBudget applies every matching budget rule set in order. Deltas compose
// multiplicatively: +10% then -5% yields a factor of 1.10 * 0.95.
func EvaluateBudget(subject Subject, ruleSets []types.RuleSet, protection ProtectionSet) BudgetDecision {
	d := BudgetDecision{EntityID: subject.Entity.ID, Factor: one, Trace: []TraceEntry{}}
	if reason, stop := shortCircuit(subject, protection); stop {
		d.Reason = reason
		return d
	}
	for _, rs := range Order(ruleSets, types.RuleBudget, subject.Entity.AccountID) {
		entry := Match(rs, subject.Metrics)
		d.Trace = append(d.Trace, entry)
		if entry.Outcome != OutcomeMatched {
			continue
		}
		d.RuleIDs = append(d.RuleIDs, rs.ID)
		d.Factor = d.Factor.Mul(one.Add(rs.BudgetDeltaPercent.Div(hundred)))
	}
	d.Adjust = len(d.RuleIDs) > 0 && !d.Factor.Equal(one)
	return d
}

// ApplyFactor scales base by factor and rounds half away from zero to places
func ApplyFactor(base, factor decimal.Decimal, places int32) decimal.Decimal {
	return base.Mul(factor).Round(places)
}

// Match evaluates one rule set's conditions with AND semantics. A rule set with
// no conditions never matches.
func Match(rs types.RuleSet, metrics types.Metrics) TraceEntry {
	entry := TraceEntry{RuleID: rs.ID, Outcome: OutcomeNotMatched}
	if len(rs.Conditions) == 0 {
		return entry
	}
	// Missing data wins over a failed comparison so callers can tell the two apart.
	for _, c := range rs.Conditions {
		if _, ok := metrics[c.Metric]; !ok {
			entry.Outcome = OutcomeMissingMetric
			entry.Metric = c.Metric
			return entry
		}
	}
	for _, c := range rs.Conditions {
		if !Compare(c.Operator, metrics[c.Metric], c.Value) {
			entry.Metric = c.Metric
			return entry
		}
	}
	entry.Outcome = OutcomeMatched
	return entry
}

// Compare evaluates "actual op value" with exact decimal semantics.
// Unknown operators never match.
func Compare(op types.Operator, actual, value decimal.Decimal) bool {
	c := actual.Cmp(value)
	switch op {
	case types.OpGT:
		return c > 0
	case types.OpLT:
		return c < 0
	case types.OpGTE:
		return c >= 0
	case types.OpLTE:
		return c <= 0
	case types.OpEQ:
		return c == 0
	case types.OpNEQ:
		return c != 0
	default:
		return false
	}
}
