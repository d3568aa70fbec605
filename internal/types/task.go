package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// TaskStatus is the lifecycle status of a batch task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the task can no longer change
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskKind tells who triggered a task. At most one pending/running task exists
// per (tenant, kind).
type TaskKind string

const (
	TaskManual TaskKind = "manual"
	TaskAuto   TaskKind = "auto"
)

// TaskError is one entry of a task's ordered error log
type TaskError struct {
	Timestamp    time.Time `json:"timestamp"`
	OperationRef string    `json:"operationRef"`
	Message      string    `json:"message"`
}

// Task is a batch of independent operations with progress counters
type Task struct {
	ID                   string      `json:"id"`
	TenantID             string      `json:"tenantId"`
	Kind                 TaskKind    `json:"kind"`
	Status               TaskStatus  `json:"status"`
	TotalOperations      int         `json:"totalOperations"`
	CompletedOperations  int         `json:"completedOperations"`
	SuccessfulOperations int         `json:"successfulOperations"`
	FailedOperations     int         `json:"failedOperations"`
	CurrentOperationRef  string      `json:"currentOperationRef,omitempty"`
	LastError            string      `json:"lastError,omitempty"`
	Errors               []TaskError `json:"errors"`
	Owner                string      `json:"owner,omitempty"`
	CreatedAt            time.Time   `json:"createdAt"`
	StartedAt            *time.Time  `json:"startedAt,omitempty"`
	CompletedAt          *time.Time  `json:"completedAt,omitempty"`
	LastHeartbeat        *time.Time  `json:"lastHeartbeat,omitempty"`
}

// HeartbeatAge returns how long ago the owning runner last touched the task.
// Rows without a heartbeat fall back to their start or creation time.
func (t Task) HeartbeatAge(now time.Time) time.Duration {
	switch {
	case t.LastHeartbeat != nil:
		return now.Sub(*t.LastHeartbeat)
	case t.StartedAt != nil:
		return now.Sub(*t.StartedAt)
	default:
		return now.Sub(t.CreatedAt)
	}
}

// Clone returns a deep copy safe to hand out as a snapshot
func (t Task) Clone() Task {
	out := t
	out.Errors = append([]TaskError(nil), t.Errors...)
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	if t.LastHeartbeat != nil {
		v := *t.LastHeartbeat
		out.LastHeartbeat = &v
	}
	return out
}

// OperationKind names the atomic unit of work inside a task
type OperationKind string

const (
	OpDuplicate OperationKind = "duplicate"
)

// Operation is one unit of work inside a task
type Operation struct {
	Ref       string        `json:"ref"`
	Kind      OperationKind `json:"kind"`
	AccountID string        `json:"accountId"`
	EntityID  string        `json:"entityId"`
	// NamePrefix is prepended to the copy's name
	NamePrefix string `json:"namePrefix,omitempty"`
	// BudgetOverride sets the copy's daily budget when present
	BudgetOverride *decimal.Decimal `json:"budgetOverride,omitempty"`
}

// ActionKind is the remote mutation a scheduler applied
type ActionKind string

const (
	ActionDisable   ActionKind = "disable"
	ActionSetBudget ActionKind = "set_budget"
	ActionDuplicate ActionKind = "duplicate"
)

// ActionRecord is the persisted outcome of one scheduler action attempt
type ActionRecord struct {
	ID        int64            `json:"id"`
	TenantID  string           `json:"tenantId"`
	JobKind   JobKind          `json:"jobKind"`
	AccountID string           `json:"accountId"`
	EntityID  string           `json:"entityId"`
	RuleIDs   []string         `json:"ruleIds"`
	Action    ActionKind       `json:"action"`
	OldBudget *decimal.Decimal `json:"oldBudget,omitempty"`
	NewBudget *decimal.Decimal `json:"newBudget,omitempty"`
	DryRun    bool             `json:"dryRun"`
	Outcome   string           `json:"outcome"` // ok | error
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}
