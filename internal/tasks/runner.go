// Package tasks runs bounded batches of independent operations with progress
// tracking and cooperative cancellation.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/adpilot/automation-service/internal/gateway"
	"github.com/adpilot/automation-service/internal/notify"
	"github.com/adpilot/automation-service/internal/store"
	"github.com/adpilot/automation-service/internal/types"
)

var (
	// ErrAlreadyRunning is returned by Submit when the tenant already has a
	// pending or running task of the same kind
	ErrAlreadyRunning = errors.New("task already running")
	// ErrNotCancellable is returned by Cancel for unknown or terminal tasks
	ErrNotCancellable = errors.New("task not cancellable")
	// ErrFatalTask marks a condition that prevented completing the batch
	ErrFatalTask = errors.New("fatal task error")
)

// Executor performs one operation
type Executor interface {
	Execute(ctx context.Context, tenantID string, op types.Operation) error
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, tenantID string, op types.Operation) error

// Execute implements Executor
func (f ExecutorFunc) Execute(ctx context.Context, tenantID string, op types.Operation) error {
	return f(ctx, tenantID, op)
}

// Config configures a Runner
type Config struct {
	// Concurrency bounds in-flight operations per task
	Concurrency int
	// Owner identifies this node on task rows
	Owner string
	// HeartbeatInterval is how often an active task row is touched so other
	// nodes can tell it from the task of a dead owner
	HeartbeatInterval time.Duration
}

// Runner executes tasks. Each task is mutated only by its own worker.
type Runner struct {
	store    store.TaskStore
	exec     Executor
	notifier notify.Notifier
	cfg      Config
	logger   *zerolog.Logger
	now      func() time.Time
	newID    func() string

	mu      sync.Mutex
	running map[string]*run
	wg      sync.WaitGroup
}

// run is the worker-side state of one task
type run struct {
	mu        sync.Mutex
	task      types.Task
	cancel    context.CancelFunc
	cancelled bool
	fatal     error
	// lost is set once the row was finished by another writer
	lost bool
}

// NewRunner creates a runner
func NewRunner(st store.TaskStore, exec Executor, notifier notify.Notifier, cfg Config, logger *zerolog.Logger) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "task_runner").Logger()
	return &Runner{
		store:    st,
		exec:     exec,
		notifier: notifier,
		cfg:      cfg,
		logger:   &l,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		running:  make(map[string]*run),
	}
}

// Submit accepts a batch and starts executing it in the background
func (r *Runner) Submit(ctx context.Context, tenantID string, kind types.TaskKind, ops []types.Operation) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("tenant id is required")
	}
	if kind == "" {
		kind = types.TaskManual
	}

	ops = append([]types.Operation(nil), ops...)
	for i := range ops {
		if ops[i].Ref == "" {
			ops[i].Ref = fmt.Sprintf("op-%d", i+1)
		}
		if ops[i].Kind == "" {
			ops[i].Kind = types.OpDuplicate
		}
	}

	created := r.now()
	task := types.Task{
		ID:              r.newID(),
		TenantID:        tenantID,
		Kind:            kind,
		Status:          types.TaskPending,
		TotalOperations: len(ops),
		Errors:          []types.TaskError{},
		Owner:           r.cfg.Owner,
		CreatedAt:       created,
		LastHeartbeat:   &created,
	}

	if err := r.store.CreateIfNoActive(ctx, task); err != nil {
		if errors.Is(err, store.ErrActiveTaskExists) {
			return "", ErrAlreadyRunning
		}
		return "", fmt.Errorf("create task: %w", err)
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rn := &run{task: task, cancel: cancel}

	r.mu.Lock()
	r.running[task.ID] = rn
	r.mu.Unlock()

	submittedTotal.WithLabelValues(string(kind)).Inc()
	r.logger.Info().
		Str("task_id", task.ID).
		Str("tenant_id", tenantID).
		Str("kind", string(kind)).
		Int("operations", len(ops)).
		Msg("Task submitted")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.execute(taskCtx, rn, ops)
	}()

	return task.ID, nil
}

// Cancel requests cooperative cancellation. In-flight operations finish.
func (r *Runner) Cancel(ctx context.Context, taskID string) error {
	r.mu.Lock()
	rn, ok := r.running[taskID]
	r.mu.Unlock()

	if !ok {
		t, err := r.store.Get(ctx, taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("task %s: %w", taskID, ErrNotCancellable)
			}
			return err
		}
		if t.Status.IsTerminal() {
			return fmt.Errorf("task %s is %s: %w", taskID, t.Status, ErrNotCancellable)
		}
		return fmt.Errorf("task %s is owned by %s: %w", taskID, t.Owner, ErrNotCancellable)
	}

	rn.mu.Lock()
	defer rn.mu.Unlock()
	if rn.task.Status.IsTerminal() {
		return fmt.Errorf("task %s is %s: %w", taskID, rn.task.Status, ErrNotCancellable)
	}
	if !rn.cancelled {
		rn.cancelled = true
		rn.cancel()
		r.logger.Info().Str("task_id", taskID).Msg("Task cancellation requested")
	}
	return nil
}

// Get returns a snapshot of the task
func (r *Runner) Get(ctx context.Context, taskID string) (types.Task, error) {
	r.mu.Lock()
	rn, ok := r.running[taskID]
	r.mu.Unlock()
	if ok {
		rn.mu.Lock()
		defer rn.mu.Unlock()
		return rn.task.Clone(), nil
	}
	t, err := r.store.Get(ctx, taskID)
	if err != nil {
		return types.Task{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return t, nil
}

// Shutdown cancels every local task and waits for them to settle or for ctx
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.Cancel(ctx, id); err != nil && !errors.Is(err, ErrNotCancellable) {
			r.logger.Warn().Err(err).Str("task_id", id).Msg("Failed to cancel task on shutdown")
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) execute(ctx context.Context, rn *run, ops []types.Operation) {
	rn.mu.Lock()
	started := r.now()
	rn.task.Status = types.TaskRunning
	rn.task.StartedAt = &started
	r.persistLocked(rn)
	rn.mu.Unlock()

	stopBeat := make(chan struct{})
	beatDone := make(chan struct{})
	go func() {
		defer close(beatDone)
		r.beat(rn, stopBeat)
	}()

	// Dispatched operations run on a context that the cancel flag does not
	// reach, so no operation is interrupted half-way.
	opCtx := context.WithoutCancel(ctx)
	tenantID := rn.task.TenantID
	sem := semaphore.NewWeighted(int64(r.cfg.Concurrency))
	var inflight sync.WaitGroup
	dispatched := 0

	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		// cancellation may have raced with the acquire
		if ctx.Err() != nil {
			sem.Release(1)
			break
		}

		dispatched++
		rn.mu.Lock()
		rn.task.CurrentOperationRef = op.Ref
		rn.mu.Unlock()

		inflight.Add(1)
		go func(op types.Operation) {
			defer inflight.Done()
			defer sem.Release(1)
			err := r.exec.Execute(opCtx, tenantID, op)
			r.record(rn, op, err)
		}(op)
	}
	inflight.Wait()
	close(stopBeat)
	<-beatDone

	r.finish(rn, dispatched, len(ops))
}

// beat refreshes the task heartbeat until stop is closed
func (r *Runner) beat(rn *run, stop <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rn.mu.Lock()
			r.persistLocked(rn)
			rn.mu.Unlock()
		}
	}
}

// record applies one operation outcome. Counters change under rn.mu only, so
// every snapshot satisfies completed == successful + failed.
func (r *Runner) record(rn *run, op types.Operation, err error) {
	rn.mu.Lock()
	defer rn.mu.Unlock()

	rn.task.CompletedOperations++
	outcome := "ok"
	if err == nil {
		rn.task.SuccessfulOperations++
	} else {
		outcome = "error"
		rn.task.FailedOperations++
		rn.task.LastError = err.Error()
		rn.task.Errors = append(rn.task.Errors, types.TaskError{
			Timestamp:    r.now(),
			OperationRef: op.Ref,
			Message:      err.Error(),
		})
		if gateway.IsAccountFatal(err) && rn.fatal == nil {
			rn.fatal = fmt.Errorf("%w: account %s: %v", ErrFatalTask, op.AccountID, err)
			rn.cancel()
		}
	}
	operationsTotal.WithLabelValues(outcome).Inc()
	r.persistLocked(rn)

	r.notifier.Publish(notify.Event{
		Type:     notify.EventTaskProgress,
		TenantID: rn.task.TenantID,
		TaskID:   rn.task.ID,
		Data:     progressData(rn.task, op.Ref, outcome),
	})
}

func (r *Runner) finish(rn *run, dispatched, total int) {
	rn.mu.Lock()
	switch {
	case rn.fatal != nil:
		rn.task.Status = types.TaskFailed
		rn.task.LastError = rn.fatal.Error()
	case dispatched < total:
		rn.task.Status = types.TaskCancelled
	default:
		rn.task.Status = types.TaskCompleted
	}
	completed := r.now()
	rn.task.CompletedAt = &completed
	r.persistLocked(rn)
	final := rn.task.Clone()
	rn.mu.Unlock()

	r.mu.Lock()
	delete(r.running, final.ID)
	r.mu.Unlock()

	finishedTotal.WithLabelValues(string(final.Status)).Inc()
	ev := r.logger.Info()
	if final.Status == types.TaskFailed {
		ev = r.logger.Warn().Str("error", final.LastError)
	}
	ev.Str("task_id", final.ID).
		Str("tenant_id", final.TenantID).
		Str("status", string(final.Status)).
		Int("completed", final.CompletedOperations).
		Int("successful", final.SuccessfulOperations).
		Int("failed", final.FailedOperations).
		Int("total", final.TotalOperations).
		Msg("Task finished")

	r.notifier.Publish(notify.Event{
		Type:     notify.EventTaskProgress,
		TenantID: final.TenantID,
		TaskID:   final.ID,
		Data:     progressData(final, "", string(final.Status)),
	})
}

// persistLocked writes the task row with a fresh heartbeat; rn.mu must be held.
// A row finished by another writer stops the local run.
func (r *Runner) persistLocked(rn *run) {
	if rn.lost {
		return
	}
	now := r.now()
	rn.task.LastHeartbeat = &now

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.store.Update(ctx, rn.task)
	switch {
	case errors.Is(err, store.ErrTaskFinished):
		rn.lost = true
		rn.cancel()
		r.logger.Warn().Str("task_id", rn.task.ID).Msg("Task was finished by another node, stopping local run")
	case err != nil:
		r.logger.Error().Err(err).Str("task_id", rn.task.ID).Msg("Failed to persist task")
	}
}

func progressData(t types.Task, ref, outcome string) map[string]any {
	data := map[string]any{
		"status":     string(t.Status),
		"total":      t.TotalOperations,
		"completed":  t.CompletedOperations,
		"successful": t.SuccessfulOperations,
		"failed":     t.FailedOperations,
		"outcome":    outcome,
	}
	if ref != "" {
		data["operationRef"] = ref
	}
	return data
}
