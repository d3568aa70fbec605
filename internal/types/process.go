package types

import (
	"encoding/json"
	"time"
)

// JobKind identifies one of the fixed automation job types
type JobKind string

const (
	JobDisableScheduler JobKind = "disable_scheduler"
	JobBudgetScheduler  JobKind = "budget_scheduler"
	JobScalingScheduler JobKind = "scaling_scheduler"
	JobOneTimeAnalysis  JobKind = "one_time_analysis"
)

// JobKinds lists every job kind the supervisor manages
var JobKinds = []JobKind{
	JobDisableScheduler,
	JobBudgetScheduler,
	JobScalingScheduler,
	JobOneTimeAnalysis,
}

// IsValid reports whether k is a known job kind
func (k JobKind) IsValid() bool {
	for _, known := range JobKinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsContinuous reports whether the job kind is a long-running scheduler loop.
// One-shot kinds are never resumed after a restart.
func (k JobKind) IsContinuous() bool {
	return k != JobOneTimeAnalysis
}

// ProcessPhase is the supervisor state machine position for a (tenant, kind) pair
type ProcessPhase string

const (
	PhaseStopped       ProcessPhase = "stopped"
	PhaseStarting      ProcessPhase = "starting"
	PhaseRunning       ProcessPhase = "running"
	PhaseStopping      ProcessPhase = "stopping"
	PhaseFailedStopped ProcessPhase = "failed_stopped"
)

// IsRestartable reports whether a new job may be started from this phase
func (p ProcessPhase) IsRestartable() bool {
	return p == PhaseStopped || p == PhaseFailedStopped || p == ""
}

// IsActive reports whether the phase holds the single-instance claim
func (p ProcessPhase) IsActive() bool {
	return p == PhaseStarting || p == PhaseRunning || p == PhaseStopping
}

var phaseTransitions = map[ProcessPhase][]ProcessPhase{
	PhaseStopped:       {PhaseStarting},
	PhaseFailedStopped: {PhaseStarting},
	PhaseStarting:      {PhaseRunning, PhaseStopped, PhaseFailedStopped},
	PhaseRunning:       {PhaseStopping, PhaseFailedStopped, PhaseStopped},
	PhaseStopping:      {PhaseStopped, PhaseFailedStopped},
}

// CanTransition validates a state machine edge. The empty phase is a row that
// does not exist yet and behaves like stopped.
func CanTransition(from, to ProcessPhase) bool {
	if from == "" {
		from = PhaseStopped
	}
	for _, next := range phaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ProcessKey is the uniqueness key of a ProcessState row
type ProcessKey struct {
	TenantID string  `json:"tenantId"`
	Kind     JobKind `json:"kind"`
}

// String renders the key for logs
func (k ProcessKey) String() string {
	return k.TenantID + "/" + string(k.Kind)
}

// ProcessState is the persisted liveness record of one supervised job
type ProcessState struct {
	TenantID      string          `json:"tenantId"`
	Kind          JobKind         `json:"kind"`
	Running       bool            `json:"running"`
	Phase         ProcessPhase    `json:"phase"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	Owner         string          `json:"owner,omitempty"` // host:pid:boot-id
	LastHeartbeat *time.Time      `json:"lastHeartbeat,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	StopRequested bool            `json:"stopRequested"`
	LastError     string          `json:"lastError,omitempty"`
	Version       int64           `json:"version"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Key returns the row key
func (p ProcessState) Key() ProcessKey {
	return ProcessKey{TenantID: p.TenantID, Kind: p.Kind}
}

// HeartbeatAge returns how long ago the row was last heartbeated.
// Rows that never heartbeated report the age of their last update.
func (p ProcessState) HeartbeatAge(now time.Time) time.Duration {
	if p.LastHeartbeat != nil {
		return now.Sub(*p.LastHeartbeat)
	}
	return now.Sub(p.UpdatedAt)
}
