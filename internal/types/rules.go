package types

import "github.com/shopspring/decimal"

// Metric names a performance figure of an entity
type Metric string

const (
	MetricSpend             Metric = "spend"
	MetricImpressions       Metric = "impressions"
	MetricClicks            Metric = "clicks"
	MetricConversions       Metric = "conversions"
	MetricCostPerConversion Metric = "cost_per_conversion"
	MetricCTR               Metric = "ctr"
	MetricROI               Metric = "roi"
	MetricCPC               Metric = "cpc"
	MetricCPM               Metric = "cpm"
)

// IsCount reports whether the metric is an integer count
func (m Metric) IsCount() bool {
	return m == MetricImpressions || m == MetricClicks || m == MetricConversions
}

// Operator is a comparison operator of a condition
type Operator string

const (
	OpGT  Operator = "gt"
	OpLT  Operator = "lt"
	OpGTE Operator = "gte"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
	OpNEQ Operator = "neq"
)

// Condition compares one metric against a constant
type Condition struct {
	Metric   Metric          `json:"metric"`
	Operator Operator        `json:"operator"`
	Value    decimal.Decimal `json:"value"`
}

// RuleKind tells which scheduler a rule set belongs to
type RuleKind string

const (
	RuleDisable RuleKind = "disable"
	RuleBudget  RuleKind = "budget"
	RuleScaling RuleKind = "scaling"
)

// RuleKindFor maps a job kind to the rule sets it evaluates
func RuleKindFor(kind JobKind) RuleKind {
	switch kind {
	case JobBudgetScheduler:
		return RuleBudget
	case JobScalingScheduler:
		return RuleScaling
	default:
		return RuleDisable
	}
}

// RuleSet is a named, prioritized AND-group of conditions
type RuleSet struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenantId"`
	Name       string      `json:"name"`
	Kind       RuleKind    `json:"kind"`
	Enabled    bool        `json:"enabled"`
	Priority   int         `json:"priority"`
	Conditions []Condition `json:"conditions"`
	// Scope lists the accounts the rule set applies to; empty means all
	Scope []string `json:"scope"`
	// BudgetDeltaPercent is the budget change for budget rule sets, e.g. 10 or -5
	BudgetDeltaPercent decimal.Decimal `json:"budgetDeltaPercent"`
	// Copies is the number of duplicates for scaling rule sets
	Copies int `json:"copies"`
}

// AppliesTo reports whether the rule set scope covers accountID
func (r RuleSet) AppliesTo(accountID string) bool {
	if len(r.Scope) == 0 {
		return true
	}
	for _, id := range r.Scope {
		if id == accountID {
			return true
		}
	}
	return false
}

// EntityStatus is the remote status of an ad entity
type EntityStatus string

const (
	EntityActive   EntityStatus = "active"
	EntityDisabled EntityStatus = "disabled"
)

// Entity is a remote banner or ad group as listed by the ad platform
type Entity struct {
	ID        string          `json:"id"`
	AccountID string          `json:"accountId"`
	Name      string          `json:"name"`
	Status    EntityStatus    `json:"status"`
	Budget    decimal.Decimal `json:"budget"`
}

// Metrics is one entity's metric snapshot. A metric absent from the map has no
// data in the lookback window, which is different from an explicit zero.
type Metrics map[Metric]decimal.Decimal

// Account is an ad-platform account owned by a tenant
type Account struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenantId"`
	CredentialsRef string `json:"credentialsRef"`
}
