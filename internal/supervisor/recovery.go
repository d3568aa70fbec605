package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/adpilot/automation-service/internal/jobs"
	"github.com/adpilot/automation-service/internal/notify"
	"github.com/adpilot/automation-service/internal/store"
	"github.com/adpilot/automation-service/internal/types"
)

// RecoveryReport lists what RecoverOnBoot found
type RecoveryReport struct {
	// Alive rows belong to live owners and are only watched
	Alive     []types.ProcessKey `json:"alive"`
	Restarted []types.ProcessKey `json:"restarted"`
	Failed    []types.ProcessKey `json:"failed"`
	// TasksFailed are IDs of tasks whose owner died mid-batch
	TasksFailed []string `json:"tasksFailed"`
}

// RecoverOnBoot reconciles persisted claims with reality after a restart
func (s *Supervisor) RecoverOnBoot(ctx context.Context) (RecoveryReport, error) {
	report := RecoveryReport{}
	rows, err := s.store.ListActive(ctx)
	if err != nil {
		return report, fmt.Errorf("list active process states: %w", err)
	}

	for _, st := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if s.alive(st) {
			s.mu.Lock()
			s.watched[st.Key()] = st.Owner
			s.mu.Unlock()
			report.Alive = append(report.Alive, st.Key())
			continue
		}
		restarted, err := s.handleDead(ctx, st, ReasonKilledByRestart)
		if err != nil {
			s.logger.Error().Err(err).Str("tenant_id", st.TenantID).Str("kind", string(st.Kind)).Msg("Failed to recover job")
		}
		if restarted {
			report.Restarted = append(report.Restarted, st.Key())
		} else {
			report.Failed = append(report.Failed, st.Key())
		}
	}

	failed, err := s.failOrphanedTasks(ctx, func(t types.Task) bool {
		return t.Owner == "" || s.cfg.Owner.IsPreviousIncarnation(t.Owner) || s.taskStale(t)
	})
	report.TasksFailed = failed
	if err != nil {
		return report, err
	}

	s.logger.Info().
		Int("alive", len(report.Alive)).
		Int("restarted", len(report.Restarted)).
		Int("failed", len(report.Failed)).
		Int("tasks_failed", len(report.TasksFailed)).
		Msg("Boot recovery finished")
	return report, nil
}

// SweepStale applies the dead-row policy to claims whose heartbeat expired
// and fails active tasks whose runner stopped heartbeating. Rows of jobs
// running on this node are skipped; their monitor owns them.
func (s *Supervisor) SweepStale(ctx context.Context) error {
	if _, err := s.failOrphanedTasks(ctx, s.taskStale); err != nil {
		s.logger.Error().Err(err).Msg("Failed to sweep stale tasks")
	}

	rows, err := s.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active process states: %w", err)
	}
	for _, st := range rows {
		key := st.Key()
		s.mu.Lock()
		_, local := s.handles[key]
		_, watched := s.watched[key]
		s.mu.Unlock()
		if local || s.alive(st) {
			continue
		}
		if watched {
			s.mu.Lock()
			delete(s.watched, key)
			s.mu.Unlock()
		}
		s.logger.Warn().
			Str("tenant_id", st.TenantID).
			Str("kind", string(st.Kind)).
			Str("dead_owner", st.Owner).
			Bool("watched", watched).
			Dur("heartbeat_age", st.HeartbeatAge(s.now())).
			Msg("Crash detected")
		if _, err := s.handleDead(ctx, st, "heartbeat stale"); err != nil {
			s.logger.Error().Err(err).Str("tenant_id", st.TenantID).Str("kind", string(st.Kind)).Msg("Failed to handle dead job")
		}
	}
	return nil
}

// Watched returns rows of other owners that recovery found alive
func (s *Supervisor) Watched() map[types.ProcessKey]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.ProcessKey]string, len(s.watched))
	for k, v := range s.watched {
		out[k] = v
	}
	return out
}

// handleDead marks a dead claim failed and, when policy allows, restarts
// continuous schedulers on this node. It reports whether a restart happened.
func (s *Supervisor) handleDead(ctx context.Context, st types.ProcessState, reason string) (bool, error) {
	marked, err := s.markDead(ctx, st, reason)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// somebody else touched the row first
			return false, nil
		}
		return false, err
	}

	if !st.Kind.IsContinuous() || !s.cfg.RestartOnRecover {
		return false, nil
	}

	spec, err := jobs.Decode(marked.Params)
	if err != nil {
		return false, fmt.Errorf("decode params of %s: %w", marked.Key(), err)
	}
	if _, err := s.Start(ctx, marked.TenantID, spec); err != nil {
		return false, fmt.Errorf("restart %s: %w", marked.Key(), err)
	}
	s.logger.Info().Str("tenant_id", marked.TenantID).Str("kind", string(marked.Kind)).Msg("Dead job restarted")
	return true, nil
}

// markDead CAS-writes a dead claim as failed_stopped. The write is based on
// the observed version so a concurrent revival wins.
func (s *Supervisor) markDead(ctx context.Context, st types.ProcessState, reason string) (types.ProcessState, error) {
	crashesDetected.WithLabelValues(string(st.Kind)).Inc()
	next := st
	if err := transition(&next, types.PhaseFailedStopped); err != nil {
		return st, err
	}
	next.Running = false
	next.StopRequested = false
	next.LastError = reason
	next.UpdatedAt = s.now()
	saved, err := s.store.Save(ctx, next, st.Version)
	if err != nil {
		return st, err
	}
	s.notifier.Publish(notify.Event{
		Type:     notify.EventError,
		TenantID: st.TenantID,
		JobKind:  string(st.Kind),
		Data:     map[string]any{"stage": "recovery", "error": reason, "deadOwner": st.Owner},
	})
	return saved, nil
}

// taskStale reports whether a task of another owner missed its heartbeats
func (s *Supervisor) taskStale(t types.Task) bool {
	if t.Owner == s.cfg.Owner.String() {
		return false
	}
	return t.HeartbeatAge(s.now()) >= s.cfg.StaleAfter
}

// failOrphanedTasks fails the pending and running tasks that dead selects
func (s *Supervisor) failOrphanedTasks(ctx context.Context, dead func(types.Task) bool) ([]string, error) {
	if s.tasks == nil {
		return nil, nil
	}
	active, err := s.tasks.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	var failed []string
	for _, t := range active {
		if !dead(t) {
			continue
		}
		now := s.now()
		t.Status = types.TaskFailed
		t.LastError = ReasonKilledByRestart
		t.Errors = append(t.Errors, types.TaskError{
			Timestamp:    now,
			OperationRef: t.CurrentOperationRef,
			Message:      ReasonKilledByRestart,
		})
		t.CompletedAt = &now
		if err := s.tasks.Update(ctx, t); err != nil {
			if errors.Is(err, store.ErrTaskFinished) {
				// the owner finished it in the meantime
				continue
			}
			s.logger.Error().Err(err).Str("task_id", t.ID).Msg("Failed to fail orphaned task")
			continue
		}
		s.logger.Warn().
			Str("task_id", t.ID).
			Str("tenant_id", t.TenantID).
			Str("dead_owner", t.Owner).
			Dur("heartbeat_age", t.HeartbeatAge(now)).
			Msg("Orphaned task failed")
		s.notifier.Publish(notify.Event{
			Type:     notify.EventTaskProgress,
			TenantID: t.TenantID,
			TaskID:   t.ID,
			Data:     map[string]any{"status": string(t.Status), "error": ReasonKilledByRestart},
		})
		failed = append(failed, t.ID)
	}
	return failed, nil
}
