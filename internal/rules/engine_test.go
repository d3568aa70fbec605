package rules

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adpilot/automation-service/internal/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func cond(m types.Metric, op types.Operator, v string) types.Condition {
	return types.Condition{Metric: m, Operator: op, Value: dec(v)}
}

func subject(id string, metrics types.Metrics) Subject {
	return Subject{
		Entity:  types.Entity{ID: id, AccountID: "acc-1", Status: types.EntityActive, Budget: dec("100")},
		Metrics: metrics,
	}
}

func disableRule(id string, priority int, conds ...types.Condition) types.RuleSet {
	return types.RuleSet{ID: id, Kind: types.RuleDisable, Enabled: true, Priority: priority, Conditions: conds}
}

func budgetRule(id string, priority int, delta string, conds ...types.Condition) types.RuleSet {
	return types.RuleSet{
		ID: id, Kind: types.RuleBudget, Enabled: true, Priority: priority,
		Conditions: conds, BudgetDeltaPercent: dec(delta),
	}
}

// TestGreaterThanExcludesEquality verifies strict comparison on money boundaries.
func TestGreaterThanExcludesEquality(t *testing.T) {
	rs := []types.RuleSet{disableRule("r1", 1, cond(types.MetricSpend, types.OpGT, "100"))}

	atBoundary := EvaluateDisable(subject("e1", types.Metrics{types.MetricSpend: dec("100")}), rs, nil)
	assert.False(t, atBoundary.Act, "spend = 100 must not match spend > 100")

	above := EvaluateDisable(subject("e1", types.Metrics{types.MetricSpend: dec("100.01")}), rs, nil)
	assert.True(t, above.Act, "spend = 100.01 must match spend > 100")
	assert.Equal(t, "r1", above.RuleID)
}

func TestCompareOperators(t *testing.T) {
	tests := []struct {
		op     types.Operator
		actual string
		value  string
		want   bool
	}{
		{types.OpGT, "10", "9.99", true},
		{types.OpLT, "9.99", "10", true},
		{types.OpGTE, "10.00", "10", true},
		{types.OpLTE, "10", "10.000", true},
		{types.OpEQ, "0.1", "0.10", true},
		{types.OpEQ, "0.30", "0.3000000001", false},
		{types.OpNEQ, "5", "5.0", false},
		{types.OpNEQ, "5", "5.01", true},
		{types.Operator("between"), "5", "5", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.op)+"_"+tt.actual+"_"+tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.op, dec(tt.actual), dec(tt.value)))
		})
	}
}

// TestFirstMatchByPriorityThenID verifies deterministic tie-breaks.
func TestFirstMatchByPriorityThenID(t *testing.T) {
	always := cond(types.MetricClicks, types.OpGTE, "0")
	rs := []types.RuleSet{
		disableRule("b", 2, always),
		disableRule("z", 1, always),
		disableRule("a", 2, always),
	}
	m := types.Metrics{types.MetricClicks: dec("3")}

	d := EvaluateDisable(subject("e1", m), rs, nil)
	require.True(t, d.Act)
	assert.Equal(t, "z", d.RuleID)
	assert.Len(t, d.Trace, 1, "evaluation stops at the first match")

	rs[1].Enabled = false
	d = EvaluateDisable(subject("e1", m), rs, nil)
	require.True(t, d.Act)
	assert.Equal(t, "a", d.RuleID, "equal priority falls back to id ascending")
}

func TestConditionsCombineWithAnd(t *testing.T) {
	rs := []types.RuleSet{disableRule("r1", 1,
		cond(types.MetricSpend, types.OpGT, "50"),
		cond(types.MetricConversions, types.OpEQ, "0"),
	)}

	d := EvaluateDisable(subject("e1", types.Metrics{
		types.MetricSpend:       dec("60"),
		types.MetricConversions: dec("1"),
	}), rs, nil)
	assert.False(t, d.Act)
	require.Len(t, d.Trace, 1)
	assert.Equal(t, OutcomeNotMatched, d.Trace[0].Outcome)
	assert.Equal(t, types.MetricConversions, d.Trace[0].Metric)

	d = EvaluateDisable(subject("e1", types.Metrics{
		types.MetricSpend:       dec("60"),
		types.MetricConversions: dec("0"),
	}), rs, nil)
	assert.True(t, d.Act)
}

// TestMissingMetricIsDistinctFromZero checks that no data is reported separately.
func TestMissingMetricIsDistinctFromZero(t *testing.T) {
	rs := []types.RuleSet{disableRule("r1", 1, cond(types.MetricConversions, types.OpEQ, "0"))}

	missing := EvaluateDisable(subject("new", types.Metrics{}), rs, nil)
	assert.False(t, missing.Act)
	require.Len(t, missing.Trace, 1)
	assert.Equal(t, OutcomeMissingMetric, missing.Trace[0].Outcome)

	zero := EvaluateDisable(subject("old", types.Metrics{types.MetricConversions: decimal.Zero}), rs, nil)
	assert.True(t, zero.Act)
}

// TestDisableIsIdempotentAndRespectsProtection evaluates twice and with protection.
func TestDisableIsIdempotentAndRespectsProtection(t *testing.T) {
	rs := []types.RuleSet{
		disableRule("r1", 1, cond(types.MetricSpend, types.OpGT, "10")),
		disableRule("r2", 2, cond(types.MetricClicks, types.OpLT, "5")),
	}
	s := subject("e1", types.Metrics{types.MetricSpend: dec("20"), types.MetricClicks: dec("1")})

	first := EvaluateDisable(s, rs, nil)
	second := EvaluateDisable(s, rs, nil)
	assert.Equal(t, first, second)

	protected := NewStaticProtection([]string{"e1"})
	d := EvaluateDisable(s, rs, protected)
	assert.False(t, d.Act)
	assert.Equal(t, OutcomeProtected, d.Reason)
	assert.Empty(t, d.Trace, "no condition is evaluated for a protected entity")
}

func TestDisabledEntityIsSkipped(t *testing.T) {
	rs := []types.RuleSet{disableRule("r1", 1, cond(types.MetricSpend, types.OpGT, "10"))}
	s := subject("e1", types.Metrics{types.MetricSpend: dec("20")})
	s.Entity.Status = types.EntityDisabled

	d := EvaluateDisable(s, rs, nil)
	assert.False(t, d.Act)
	assert.Equal(t, OutcomeSkippedDisabled, d.Reason)
}

func TestScopeFiltersAccounts(t *testing.T) {
	r := disableRule("r1", 1, cond(types.MetricSpend, types.OpGT, "10"))
	r.Scope = []string{"acc-2"}
	s := subject("e1", types.Metrics{types.MetricSpend: dec("20")})

	assert.False(t, EvaluateDisable(s, []types.RuleSet{r}, nil).Act)

	s.Entity.AccountID = "acc-2"
	assert.True(t, EvaluateDisable(s, []types.RuleSet{r}, nil).Act)
}

// TestBudgetDeltasComposeMultiplicatively guards against additive double counting.
func TestBudgetDeltasComposeMultiplicatively(t *testing.T) {
	always := cond(types.MetricSpend, types.OpGTE, "0")
	rs := []types.RuleSet{
		budgetRule("up", 1, "10", always),
		budgetRule("down", 2, "-5", always),
	}
	s := subject("e1", types.Metrics{types.MetricSpend: dec("1")})

	d := EvaluateBudget(s, rs, nil)
	require.True(t, d.Adjust)
	assert.Equal(t, []string{"up", "down"}, d.RuleIDs)

	got := ApplyFactor(dec("100"), d.Factor, 2)
	assert.True(t, got.Equal(dec("104.5")), "got %s", got)
	assert.False(t, got.Equal(dec("105")))
}

func TestBudgetTwoIncrementsCompound(t *testing.T) {
	always := cond(types.MetricSpend, types.OpGTE, "0")
	rs := []types.RuleSet{
		budgetRule("a", 1, "10", always),
		budgetRule("b", 1, "10", always),
	}
	d := EvaluateBudget(subject("e1", types.Metrics{types.MetricSpend: dec("1")}), rs, nil)

	assert.True(t, d.Factor.Equal(dec("1.21")), "got %s", d.Factor)
}

func TestBudgetNoMatchAndProtection(t *testing.T) {
	rs := []types.RuleSet{budgetRule("a", 1, "10", cond(types.MetricROI, types.OpGT, "2"))}
	s := subject("e1", types.Metrics{types.MetricROI: dec("1.5")})

	d := EvaluateBudget(s, rs, nil)
	assert.False(t, d.Adjust)
	assert.True(t, d.Factor.Equal(decimal.NewFromInt(1)))

	s.Metrics[types.MetricROI] = dec("3")
	d = EvaluateBudget(s, rs, NewStaticProtection([]string{"e1"}))
	assert.False(t, d.Adjust)
	assert.Equal(t, OutcomeProtected, d.Reason)
}

func TestScalingReturnsCopies(t *testing.T) {
	rs := []types.RuleSet{{
		ID: "s1", Kind: types.RuleScaling, Enabled: true, Copies: 3,
		Conditions: []types.Condition{cond(types.MetricROI, types.OpGT, "1.5")},
	}}
	d := EvaluateScaling(subject("e1", types.Metrics{types.MetricROI: dec("2")}), rs, nil)

	require.True(t, d.Act)
	assert.Equal(t, 3, d.Copies)
}

func TestRuleKindsDoNotMix(t *testing.T) {
	always := cond(types.MetricSpend, types.OpGTE, "0")
	rs := []types.RuleSet{budgetRule("b", 1, "10", always)}
	s := subject("e1", types.Metrics{types.MetricSpend: dec("1")})

	assert.False(t, EvaluateDisable(s, rs, nil).Act)
}

func TestValidate(t *testing.T) {
	ok := disableRule("r1", 1, cond(types.MetricSpend, types.OpGT, "10"))
	assert.NoError(t, Validate(ok))

	noConds := disableRule("r2", 1)
	assert.ErrorIs(t, Validate(noConds), ErrInvalidRuleSet)

	fractionalCount := disableRule("r3", 1, cond(types.MetricClicks, types.OpGT, "1.5"))
	assert.ErrorIs(t, Validate(fractionalCount), ErrInvalidRuleSet)

	badDelta := budgetRule("r4", 1, "-100", cond(types.MetricSpend, types.OpGT, "1"))
	assert.ErrorIs(t, Validate(badDelta), ErrInvalidRuleSet)
}
