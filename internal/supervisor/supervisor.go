// Package supervisor starts, stops and recovers the per-tenant background jobs.
// A persisted ProcessState row per (tenant, kind) is the single-instance claim;
// every write to it is a compare-and-swap on the row version.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/adpilot/automation-service/internal/jobs"
	"github.com/adpilot/automation-service/internal/notify"
	"github.com/adpilot/automation-service/internal/store"
	"github.com/adpilot/automation-service/internal/types"
)

var (
	// ErrAlreadyRunning is returned by Start when a live claim exists
	ErrAlreadyRunning = errors.New("job already running")
	// ErrNotRunning is returned by Stop when no live claim exists
	ErrNotRunning = errors.New("job not running")
	// ErrStartFailed wraps spawn and readiness failures
	ErrStartFailed = errors.New("job start failed")

	errNotOwner     = errors.New("process row claimed by another owner")
	errNotActive    = errors.New("process row is not active")
	errStartAborted = errors.New("stopped before ready")
)

// ReasonKilledByRestart is recorded on one-shot jobs and tasks whose owner died
const ReasonKilledByRestart = "killed by restart"

// Builder turns a job spec into a runnable job
type Builder interface {
	Build(tenantID string, spec jobs.JobSpec) (jobs.Job, error)
}

// Config configures a Supervisor
type Config struct {
	Owner             Owner
	HeartbeatInterval time.Duration
	// StaleAfter is the heartbeat age after which a claim is considered dead
	StaleAfter   time.Duration
	ReadyTimeout time.Duration
	StopGrace    time.Duration
	// RestartOnRecover restarts dead continuous schedulers instead of marking
	// them failed
	RestartOnRecover bool
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 3 * c.HeartbeatInterval
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 30 * time.Second
	}
	if c.Owner.BootID == "" {
		c.Owner = NewOwner(c.Owner.Host)
	}
}

// JobStatus is the externally visible state of one job kind
type JobStatus struct {
	Kind          types.JobKind      `json:"kind"`
	Running       bool               `json:"running"`
	Phase         types.ProcessPhase `json:"phase"`
	StartedAt     *time.Time         `json:"startedAt,omitempty"`
	LastHeartbeat *time.Time         `json:"lastHeartbeat,omitempty"`
	LastError     string             `json:"lastError,omitempty"`
	Owner         string             `json:"owner,omitempty"`
}

// Handle is the local side of a running job
type Handle struct {
	key       types.ProcessKey
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	err       error // set before done is closed

	stopping  atomic.Bool
	takenOver atomic.Bool
	stopped   chan struct{}
}

// Key returns the job's (tenant, kind)
func (h *Handle) Key() types.ProcessKey { return h.key }

// StartedAt returns when the job became running
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed when the job goroutine returns
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the job's exit error once Done is closed
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// pendingStart tracks a Start between its claim and the running handle
type pendingStart struct {
	abort   chan struct{}
	once    sync.Once
	settled chan struct{}
}

func newPendingStart() *pendingStart {
	return &pendingStart{abort: make(chan struct{}), settled: make(chan struct{})}
}

func (p *pendingStart) cancel() { p.once.Do(func() { close(p.abort) }) }

func (p *pendingStart) aborted() bool {
	select {
	case <-p.abort:
		return true
	default:
		return false
	}
}

// Supervisor owns the lifecycle of the jobs running on this node
type Supervisor struct {
	store    store.ProcessStore
	tasks    store.TaskStore
	builder  Builder
	notifier notify.Notifier
	cfg      Config
	logger   *zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	handles map[types.ProcessKey]*Handle
	pending map[types.ProcessKey]*pendingStart
	// watched holds live rows of other owners found during recovery
	watched map[types.ProcessKey]string
	wg      sync.WaitGroup
}

// New creates a supervisor. tasks may be nil when no task store is available
// for recovery.
func New(ps store.ProcessStore, ts store.TaskStore, builder Builder, notifier notify.Notifier, cfg Config, logger *zerolog.Logger) *Supervisor {
	cfg.applyDefaults()
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "supervisor").Str("owner", cfg.Owner.String()).Logger()
	return &Supervisor{
		store:    ps,
		tasks:    ts,
		builder:  builder,
		notifier: notifier,
		cfg:      cfg,
		logger:   &l,
		now:      func() time.Time { return time.Now().UTC() },
		handles:  make(map[types.ProcessKey]*Handle),
		pending:  make(map[types.ProcessKey]*pendingStart),
		watched:  make(map[types.ProcessKey]string),
	}
}

// Owner returns this node's identity
func (s *Supervisor) Owner() Owner { return s.cfg.Owner }

// Start claims the (tenant, kind) row, spawns the job and waits for it to
// report ready before marking the row running.
func (s *Supervisor) Start(ctx context.Context, tenantID string, spec jobs.JobSpec) (*Handle, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrStartFailed)
	}
	params, err := jobs.Encode(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	key := types.ProcessKey{TenantID: tenantID, Kind: spec.Kind()}
	kind := string(key.Kind)
	log := s.logger.With().Str("tenant_id", tenantID).Str("kind", kind).Logger()

	p := newPendingStart()
	s.mu.Lock()
	_, local := s.handles[key]
	_, starting := s.pending[key]
	if !local && !starting {
		s.pending[key] = p
	}
	s.mu.Unlock()
	if local || starting {
		startsTotal.WithLabelValues(kind, "already_running").Inc()
		return nil, ErrAlreadyRunning
	}
	defer s.settle(key, p)

	if err := s.claim(ctx, key, params); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			startsTotal.WithLabelValues(kind, "already_running").Inc()
		} else {
			startsTotal.WithLabelValues(kind, "error").Inc()
		}
		return nil, err
	}

	job, err := s.builder.Build(tenantID, spec)
	if err != nil {
		return nil, s.startFailed(ctx, key, err)
	}
	if p.aborted() {
		return nil, s.startFailed(ctx, key, errStartAborted)
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		key:     key,
		cancel:  cancel,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	readyCh := make(chan struct{})
	var readyOnce sync.Once

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)
		defer cancel()
		h.err = runJob(jobCtx, job, func() { readyOnce.Do(func() { close(readyCh) }) })
	}()

	timer := time.NewTimer(s.cfg.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-readyCh:
	case <-h.done:
		select {
		case <-readyCh:
		default:
			cause := h.err
			if cause == nil {
				cause = errors.New("job exited before reporting ready")
			}
			return nil, s.startFailed(ctx, key, cause)
		}
	case <-timer.C:
		cancel()
		return nil, s.startFailed(ctx, key, fmt.Errorf("not ready within %s", s.cfg.ReadyTimeout))
	case <-p.abort:
		cancel()
		return nil, s.startFailed(context.WithoutCancel(ctx), key, errStartAborted)
	case <-ctx.Done():
		cancel()
		return nil, s.startFailed(context.WithoutCancel(ctx), key, ctx.Err())
	}
	if p.aborted() {
		cancel()
		return nil, s.startFailed(context.WithoutCancel(ctx), key, errStartAborted)
	}

	now := s.now()
	_, err = s.mutate(ctx, key, func(st *types.ProcessState) error {
		if st.Owner != s.cfg.Owner.String() {
			return errNotOwner
		}
		if err := transition(st, types.PhaseRunning); err != nil {
			return err
		}
		st.Running = true
		st.StartedAt = &now
		st.LastHeartbeat = &now
		return nil
	})
	if err != nil {
		cancel()
		return nil, s.startFailed(context.WithoutCancel(ctx), key, fmt.Errorf("mark running: %w", err))
	}
	h.startedAt = now

	// a Stop arriving from here on finds the handle
	s.mu.Lock()
	delete(s.pending, key)
	s.handles[key] = h
	s.mu.Unlock()

	jobsRunning.WithLabelValues(kind).Inc()
	startsTotal.WithLabelValues(kind, "ok").Inc()
	log.Info().Msg("Job started")
	s.notifier.Publish(notify.Event{Type: notify.EventJobStarted, TenantID: tenantID, JobKind: kind})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor(h)
	}()
	return h, nil
}

// settle forgets the pending start and wakes Stop callers waiting on it
func (s *Supervisor) settle(key types.ProcessKey, p *pendingStart) {
	s.mu.Lock()
	if s.pending[key] == p {
		delete(s.pending, key)
	}
	s.mu.Unlock()
	close(p.settled)
}

// runJob converts a job panic into an exit error
func runJob(ctx context.Context, job jobs.Job, ready func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(ctx, ready)
}

// claim CAS-writes the row as starting for this owner
func (s *Supervisor) claim(ctx context.Context, key types.ProcessKey, params []byte) error {
	cur, err := s.store.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		cur = types.ProcessState{TenantID: key.TenantID, Kind: key.Kind}
	case err != nil:
		return fmt.Errorf("%w: load state: %v", ErrStartFailed, err)
	}

	if cur.Phase.IsActive() || cur.Running {
		if s.alive(cur) {
			return ErrAlreadyRunning
		}
		// stale claim from a dead owner
		cur, err = s.markDead(ctx, cur, "heartbeat stale")
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ErrAlreadyRunning
			}
			return fmt.Errorf("%w: clear stale claim: %v", ErrStartFailed, err)
		}
	}

	now := s.now()
	next := cur
	if err := transition(&next, types.PhaseStarting); err != nil {
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	next.Running = false
	next.Owner = s.cfg.Owner.String()
	next.StartedAt = nil
	next.LastHeartbeat = &now
	next.Params = params
	next.StopRequested = false
	next.LastError = ""
	next.UpdatedAt = now

	if _, err := s.store.Save(ctx, next, cur.Version); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("%w: save claim: %v", ErrStartFailed, err)
	}
	return nil
}

// startFailed releases the claim and returns the wrapped cause
func (s *Supervisor) startFailed(ctx context.Context, key types.ProcessKey, cause error) error {
	kind := string(key.Kind)
	aborted := errors.Is(cause, errStartAborted)
	outcome := "error"
	if aborted {
		outcome = "aborted"
	}
	startsTotal.WithLabelValues(kind, outcome).Inc()
	_, err := s.mutate(ctx, key, func(st *types.ProcessState) error {
		if st.Owner != s.cfg.Owner.String() {
			return errNotOwner
		}
		if err := transition(st, types.PhaseStopped); err != nil {
			return err
		}
		st.Running = false
		st.StopRequested = false
		if !aborted {
			st.LastError = cause.Error()
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("tenant_id", key.TenantID).Str("kind", kind).Msg("Failed to release claim after start failure")
	}
	if aborted {
		s.logger.Info().Str("tenant_id", key.TenantID).Str("kind", kind).Msg("Job stopped before ready")
		s.notifier.Publish(notify.Event{
			Type:     notify.EventJobCompleted,
			TenantID: key.TenantID,
			JobKind:  kind,
			Data:     map[string]any{"reason": "stopped", "forced": false},
		})
		return fmt.Errorf("%w: %v", ErrStartFailed, cause)
	}
	s.logger.Warn().Err(cause).Str("tenant_id", key.TenantID).Str("kind", kind).Msg("Job start failed")
	s.notifier.Publish(notify.Event{
		Type:     notify.EventError,
		TenantID: key.TenantID,
		JobKind:  kind,
		Data:     map[string]any{"stage": "start", "error": cause.Error()},
	})
	return fmt.Errorf("%w: %v", ErrStartFailed, cause)
}

// Stop cancels the job and waits up to grace for it to exit. A job still
// waiting for readiness is aborted. Jobs owned by another node get a stop
// request that their heartbeat picks up.
func (s *Supervisor) Stop(ctx context.Context, tenantID string, kind types.JobKind, grace time.Duration) error {
	key := types.ProcessKey{TenantID: tenantID, Kind: kind}
	if grace <= 0 {
		grace = s.cfg.StopGrace
	}

	s.mu.Lock()
	h, local := s.handles[key]
	p, starting := s.pending[key]
	s.mu.Unlock()
	if starting {
		p.cancel()
		select {
		case <-p.settled:
		case <-ctx.Done():
			return ctx.Err()
		}
		// the start may have registered its handle just before the abort
		s.mu.Lock()
		h, local = s.handles[key]
		s.mu.Unlock()
		if !local {
			return nil
		}
	}
	if !local {
		return s.requestRemoteStop(ctx, key)
	}

	if !h.stopping.CompareAndSwap(false, true) {
		// another caller is already stopping it
		select {
		case <-h.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer close(h.stopped)
	return s.stopLocal(ctx, h, grace)
}

func (s *Supervisor) stopLocal(ctx context.Context, h *Handle, grace time.Duration) error {
	key := h.key
	log := s.logger.With().Str("tenant_id", key.TenantID).Str("kind", string(key.Kind)).Logger()

	if _, err := s.mutate(ctx, key, func(st *types.ProcessState) error {
		if st.Owner != s.cfg.Owner.String() {
			return errNotOwner
		}
		return transition(st, types.PhaseStopping)
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to mark job stopping")
	}

	h.cancel()
	forced := false
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		forced = true
	case <-ctx.Done():
		forced = true
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err := s.mutate(wctx, key, func(st *types.ProcessState) error {
		if st.Owner != s.cfg.Owner.String() {
			return errNotOwner
		}
		if st.Phase != types.PhaseStopped {
			if err := transition(st, types.PhaseStopped); err != nil {
				return err
			}
		}
		st.Running = false
		st.StopRequested = false
		return nil
	})

	s.release(h)
	stopsTotal.WithLabelValues(string(key.Kind), strconv.FormatBool(forced)).Inc()
	if forced {
		log.Warn().Bool("forced", true).Dur("grace", grace).Msg("Job did not exit within grace, abandoned")
	} else {
		log.Info().Bool("forced", false).Msg("Job stopped")
	}
	s.notifier.Publish(notify.Event{
		Type:     notify.EventJobCompleted,
		TenantID: key.TenantID,
		JobKind:  string(key.Kind),
		Data:     map[string]any{"reason": "stopped", "forced": forced},
	})
	if err != nil {
		return fmt.Errorf("write stopped state: %w", err)
	}
	return nil
}

func (s *Supervisor) requestRemoteStop(ctx context.Context, key types.ProcessKey) error {
	cur, err := s.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotRunning
	}
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if !cur.Phase.IsActive() && !cur.Running {
		return ErrNotRunning
	}
	if !s.alive(cur) {
		// nobody will act on a stop request; clear the dead claim instead
		if _, err := s.markDead(ctx, cur, "heartbeat stale"); err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("clear stale claim: %w", err)
		}
		return ErrNotRunning
	}
	if cur.Owner == s.cfg.Owner.String() {
		// claimed by this node with no local job or start behind it
		return s.releaseOrphan(ctx, key)
	}

	_, err = s.mutate(ctx, key, func(st *types.ProcessState) error {
		if !st.Phase.IsActive() {
			return errNotActive
		}
		st.StopRequested = true
		return nil
	})
	if errors.Is(err, errNotActive) {
		return ErrNotRunning
	}
	if err != nil {
		return fmt.Errorf("request stop: %w", err)
	}
	s.logger.Info().Str("tenant_id", key.TenantID).Str("kind", string(key.Kind)).Str("remote_owner", cur.Owner).Msg("Stop requested from owning node")
	return nil
}

// releaseOrphan writes stopped on a row this node owns but no longer runs
func (s *Supervisor) releaseOrphan(ctx context.Context, key types.ProcessKey) error {
	_, err := s.mutate(ctx, key, func(st *types.ProcessState) error {
		if st.Owner != s.cfg.Owner.String() {
			return errNotOwner
		}
		if !st.Phase.IsActive() {
			return errNotActive
		}
		if err := transition(st, types.PhaseStopped); err != nil {
			return err
		}
		st.Running = false
		st.StopRequested = false
		return nil
	})
	switch {
	case errors.Is(err, errNotActive), errors.Is(err, store.ErrNotFound):
		return ErrNotRunning
	case errors.Is(err, errNotOwner):
		return s.requestRemoteStop(ctx, key)
	case err != nil:
		return fmt.Errorf("release orphaned claim: %w", err)
	}
	s.logger.Warn().Str("tenant_id", key.TenantID).Str("kind", string(key.Kind)).Msg("Released claim with no local job")
	return nil
}

// release forgets a local handle
func (s *Supervisor) release(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.handles[h.key]; ok && cur == h {
		delete(s.handles, h.key)
		jobsRunning.WithLabelValues(string(h.key.Kind)).Dec()
	}
}

// Status returns the persisted state of every job kind of the tenant
func (s *Supervisor) Status(ctx context.Context, tenantID string) (map[types.JobKind]JobStatus, error) {
	rows, err := s.store.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list process states: %w", err)
	}
	out := make(map[types.JobKind]JobStatus, len(types.JobKinds))
	for _, kind := range types.JobKinds {
		out[kind] = JobStatus{Kind: kind, Phase: types.PhaseStopped}
	}
	for _, st := range rows {
		out[st.Kind] = JobStatus{
			Kind:          st.Kind,
			Running:       st.Running,
			Phase:         st.Phase,
			StartedAt:     st.StartedAt,
			LastHeartbeat: st.LastHeartbeat,
			LastError:     st.LastError,
			Owner:         st.Owner,
		}
	}
	return out, nil
}

// Running returns the keys of jobs running on this node
func (s *Supervisor) Running() []types.ProcessKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]types.ProcessKey, 0, len(s.handles))
	for k := range s.handles {
		keys = append(keys, k)
	}
	return keys
}

// Shutdown stops every local job with the configured grace
func (s *Supervisor) Shutdown(ctx context.Context) error {
	keys := s.Running()
	s.logger.Info().Int("jobs", len(keys)).Msg("Stopping local jobs")

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			err := s.Stop(gctx, key.TenantID, key.Kind, s.cfg.StopGrace)
			if errors.Is(err, ErrNotRunning) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// monitor heartbeats the row until the job exits or is stopped
func (s *Supervisor) monitor(h *Handle) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	log := s.logger.With().Str("tenant_id", h.key.TenantID).Str("kind", string(h.key.Kind)).Logger()

	for {
		select {
		case <-h.stopped:
			return
		case <-h.done:
			if h.stopping.Load() || h.takenOver.Load() {
				return
			}
			s.onExit(h)
			return
		case <-ticker.C:
			if h.stopping.Load() || h.takenOver.Load() {
				continue
			}
			s.heartbeat(h, &log)
		}
	}
}

func (s *Supervisor) heartbeat(h *Handle, log *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HeartbeatInterval)
	defer cancel()

	now := s.now()
	st, err := s.mutate(ctx, h.key, func(st *types.ProcessState) error {
		if st.Owner != s.cfg.Owner.String() {
			return errNotOwner
		}
		if !st.Phase.IsActive() {
			return errNotActive
		}
		st.LastHeartbeat = &now
		return nil
	})
	switch {
	case errors.Is(err, errNotOwner), errors.Is(err, errNotActive), errors.Is(err, store.ErrNotFound):
		// another node took the claim over; this copy must not keep running
		h.takenOver.Store(true)
		h.cancel()
		s.release(h)
		log.Warn().Err(err).Msg("Claim lost, cancelling local job")
		return
	case err != nil:
		heartbeatFailures.Inc()
		log.Warn().Err(err).Msg("Heartbeat failed")
		return
	}

	if st.StopRequested && h.stopping.CompareAndSwap(false, true) {
		log.Info().Msg("Stop requested by another node")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer close(h.stopped)
			if err := s.stopLocal(context.Background(), h, s.cfg.StopGrace); err != nil {
				log.Error().Err(err).Msg("Requested stop failed")
			}
		}()
	}
}

// onExit records a job that returned on its own
func (s *Supervisor) onExit(h *Handle) {
	key := h.key
	kind := string(key.Kind)
	exitErr := h.err
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.mutate(ctx, key, func(st *types.ProcessState) error {
		if st.Owner != s.cfg.Owner.String() {
			return errNotOwner
		}
		to := types.PhaseStopped
		if exitErr != nil {
			to = types.PhaseFailedStopped
			st.LastError = exitErr.Error()
		}
		if err := transition(st, to); err != nil {
			return err
		}
		st.Running = false
		return nil
	})
	s.release(h)

	log := s.logger.With().Str("tenant_id", key.TenantID).Str("kind", kind).Logger()
	if err != nil {
		log.Error().Err(err).Msg("Failed to record job exit")
	}
	if exitErr != nil {
		log.Error().Err(exitErr).Msg("Job exited with error")
		s.notifier.Publish(notify.Event{
			Type:     notify.EventError,
			TenantID: key.TenantID,
			JobKind:  kind,
			Data:     map[string]any{"stage": "run", "error": exitErr.Error()},
		})
		return
	}
	log.Info().Msg("Job completed")
	s.notifier.Publish(notify.Event{
		Type:     notify.EventJobCompleted,
		TenantID: key.TenantID,
		JobKind:  kind,
		Data:     map[string]any{"reason": "completed"},
	})
}

// Wait blocks until every supervisor goroutine has returned. Abandoned jobs
// that never exit keep it blocked, so callers bound it with ctx.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// alive is the liveness probe for a claimed row
func (s *Supervisor) alive(st types.ProcessState) bool {
	if st.Owner == "" {
		return false
	}
	if s.cfg.Owner.IsPreviousIncarnation(st.Owner) {
		return false
	}
	return st.HeartbeatAge(s.now()) < s.cfg.StaleAfter
}

// mutate applies fn to the current row and CAS-saves it, retrying when a
// concurrent writer bumped the version in between
func (s *Supervisor) mutate(ctx context.Context, key types.ProcessKey, fn func(*types.ProcessState) error) (types.ProcessState, error) {
	const attempts = 5
	for i := 0; i < attempts; i++ {
		cur, err := s.store.Get(ctx, key)
		if err != nil {
			return types.ProcessState{}, err
		}
		next := cur
		if err := fn(&next); err != nil {
			return cur, err
		}
		next.UpdatedAt = s.now()
		saved, err := s.store.Save(ctx, next, cur.Version)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return saved, err
	}
	return types.ProcessState{}, fmt.Errorf("update %s: %w", key, store.ErrConflict)
}

func transition(st *types.ProcessState, to types.ProcessPhase) error {
	if !types.CanTransition(st.Phase, to) {
		return fmt.Errorf("invalid transition %s -> %s for %s", st.Phase, to, st.Key())
	}
	st.Phase = to
	return nil
}
