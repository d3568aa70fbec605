// Package jobs implements the scheduler loops and the one-shot analysis job
// that the supervisor runs per tenant.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/adpilot/automation-service/internal/types"
)

// ErrInvalidSpec wraps every job spec decoding or validation failure
var ErrInvalidSpec = errors.New("invalid job spec")

// JobSpec is the typed parameter set of one job kind. The concrete types are
// DisableParams, BudgetParams, ScalingParams and AnalysisParams.
type JobSpec interface {
	Kind() types.JobKind
}

// Duration is a time.Duration that encodes as a Go duration string
type Duration time.Duration

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "15m" style strings or a number of seconds
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var seconds float64
	if err := json.Unmarshal(b, &seconds); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %w", err)
	}
	*d = Duration(time.Duration(seconds * float64(time.Second)))
	return nil
}

// Std returns the standard library duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoopParams are shared by the continuous schedulers
type LoopParams struct {
	// Interval between cycles; ignored when Cron is set
	Interval Duration `json:"interval,omitempty" validate:"gte=0"`
	// Cron is a standard five-field cron expression
	Cron string `json:"cron,omitempty" validate:"omitempty,cronexpr"`
	// Lookback is the metrics window
	Lookback Duration `json:"lookback,omitempty" validate:"gte=0"`
	// Accounts restricts the job to a subset of the tenant's accounts
	Accounts []string `json:"accounts,omitempty" validate:"dive,required"`
	// DryRun evaluates and records decisions without mutating remote entities
	DryRun bool `json:"dryRun,omitempty"`
}

// DisableParams configures the analysis-and-disable scheduler
type DisableParams struct {
	LoopParams
}

// Kind implements JobSpec
func (DisableParams) Kind() types.JobKind { return types.JobDisableScheduler }

// BudgetParams configures the budget-adjustment scheduler
type BudgetParams struct {
	LoopParams
	// MinBudget and MaxBudget clamp the adjusted budget when set
	MinBudget *decimal.Decimal `json:"minBudget,omitempty"`
	MaxBudget *decimal.Decimal `json:"maxBudget,omitempty"`
}

// Kind implements JobSpec
func (BudgetParams) Kind() types.JobKind { return types.JobBudgetScheduler }

// ScalingParams configures the scaling-duplication scheduler
type ScalingParams struct {
	LoopParams
	NamePrefix string `json:"namePrefix,omitempty" validate:"max=64"`
	// MaxCopiesPerCycle caps the operations submitted per cycle; 0 means no cap
	MaxCopiesPerCycle int `json:"maxCopiesPerCycle,omitempty" validate:"gte=0,lte=1000"`
}

// Kind implements JobSpec
func (ScalingParams) Kind() types.JobKind { return types.JobScalingScheduler }

// AnalysisParams configures the one-shot analysis job
type AnalysisParams struct {
	Lookback Duration `json:"lookback,omitempty" validate:"gte=0"`
	Accounts []string `json:"accounts,omitempty" validate:"dive,required"`
	// Apply disables matched entities; otherwise the run only records findings
	Apply bool `json:"apply,omitempty"`
}

// Kind implements JobSpec
func (AnalysisParams) Kind() types.JobKind { return types.JobOneTimeAnalysis }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("cronexpr", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks a spec's field constraints and cross-field rules
func Validate(spec JobSpec) error {
	if spec == nil {
		return fmt.Errorf("%w: missing spec", ErrInvalidSpec)
	}
	if err := validate.Struct(spec); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInvalidSpec, spec.Kind(), describe(err))
	}
	if p, ok := spec.(BudgetParams); ok && p.MinBudget != nil && p.MaxBudget != nil && p.MinBudget.GreaterThan(*p.MaxBudget) {
		return fmt.Errorf("%w: minBudget exceeds maxBudget", ErrInvalidSpec)
	}
	if p, ok := spec.(BudgetParams); ok && p.MinBudget != nil && p.MinBudget.IsNegative() {
		return fmt.Errorf("%w: minBudget is negative", ErrInvalidSpec)
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

type envelope struct {
	Kind   types.JobKind   `json:"kind"`
	Params json.RawMessage `json:"params"`
}

// Encode serializes a spec with its kind discriminator
func Encode(spec JobSpec) (json.RawMessage, error) {
	params, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", spec.Kind(), err)
	}
	return json.Marshal(envelope{Kind: spec.Kind(), Params: params})
}

// Decode parses an encoded spec
func Decode(raw json.RawMessage) (JobSpec, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return Parse(env.Kind, env.Params)
}

// Parse decodes and validates the params of a given kind. Empty params yield
// the kind's defaults.
func Parse(kind types.JobKind, params json.RawMessage) (JobSpec, error) {
	var spec JobSpec
	var err error
	switch kind {
	case types.JobDisableScheduler:
		var p DisableParams
		err = unmarshalParams(params, &p)
		spec = p
	case types.JobBudgetScheduler:
		var p BudgetParams
		err = unmarshalParams(params, &p)
		spec = p
	case types.JobScalingScheduler:
		var p ScalingParams
		err = unmarshalParams(params, &p)
		spec = p
	case types.JobOneTimeAnalysis:
		var p AnalysisParams
		err = unmarshalParams(params, &p)
		spec = p
	default:
		return nil, fmt.Errorf("%w: unknown job kind %q", ErrInvalidSpec, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSpec, kind, err)
	}
	if err := Validate(spec); err != nil {
		return nil, err
	}
	return spec, nil
}

func unmarshalParams(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	return json.Unmarshal(params, v)
}
