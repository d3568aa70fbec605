package rules

import (
	"errors"
	"fmt"

	"github.com/adpilot/automation-service/internal/types"
)

// ErrInvalidRuleSet is returned for rule sets that can never be evaluated
var ErrInvalidRuleSet = errors.New("invalid rule set")

var knownMetrics = map[types.Metric]bool{
	types.MetricSpend:             true,
	types.MetricImpressions:       true,
	types.MetricClicks:            true,
	types.MetricConversions:       true,
	types.MetricCostPerConversion: true,
	types.MetricCTR:               true,
	types.MetricROI:               true,
	types.MetricCPC:               true,
	types.MetricCPM:               true,
}

var knownOperators = map[types.Operator]bool{
	types.OpGT: true, types.OpLT: true, types.OpGTE: true,
	types.OpLTE: true, types.OpEQ: true, types.OpNEQ: true,
}

// Validate checks a rule set before it is stored
func Validate(rs types.RuleSet) error {
	if rs.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRuleSet)
	}
	switch rs.Kind {
	case types.RuleDisable, types.RuleBudget, types.RuleScaling:
	default:
		return fmt.Errorf("%w: rule set %s has unknown kind %q", ErrInvalidRuleSet, rs.ID, rs.Kind)
	}
	if len(rs.Conditions) == 0 {
		return fmt.Errorf("%w: rule set %s has no conditions", ErrInvalidRuleSet, rs.ID)
	}
	for i, c := range rs.Conditions {
		if !knownMetrics[c.Metric] {
			return fmt.Errorf("%w: rule set %s condition %d: unknown metric %q", ErrInvalidRuleSet, rs.ID, i, c.Metric)
		}
		if !knownOperators[c.Operator] {
			return fmt.Errorf("%w: rule set %s condition %d: unknown operator %q", ErrInvalidRuleSet, rs.ID, i, c.Operator)
		}
		if c.Metric.IsCount() && !c.Value.IsInteger() {
			return fmt.Errorf("%w: rule set %s condition %d: %s is a count", ErrInvalidRuleSet, rs.ID, i, c.Metric)
		}
	}
	if rs.Kind == types.RuleBudget && rs.BudgetDeltaPercent.LessThanOrEqual(hundred.Neg()) {
		return fmt.Errorf("%w: rule set %s budget delta must be above -100%%", ErrInvalidRuleSet, rs.ID)
	}
	if rs.Kind == types.RuleScaling && rs.Copies < 0 {
		return fmt.Errorf("%w: rule set %s copies must not be negative", ErrInvalidRuleSet, rs.ID)
	}
	return nil
}
