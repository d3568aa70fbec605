// Package handlers exposes the job and task control surface over HTTP
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/adpilot/automation-service/internal/jobs"
	"github.com/adpilot/automation-service/internal/store"
	"github.com/adpilot/automation-service/internal/supervisor"
	"github.com/adpilot/automation-service/internal/tasks"
	"github.com/adpilot/automation-service/internal/types"
)

// JobController starts and stops supervised jobs
type JobController interface {
	Start(ctx context.Context, tenantID string, spec jobs.JobSpec) (*supervisor.Handle, error)
	Stop(ctx context.Context, tenantID string, kind types.JobKind, grace time.Duration) error
	Status(ctx context.Context, tenantID string) (map[types.JobKind]supervisor.JobStatus, error)
	Running() []types.ProcessKey
}

// TaskController submits and inspects batch tasks
type TaskController interface {
	Submit(ctx context.Context, tenantID string, kind types.TaskKind, ops []types.Operation) (string, error)
	Cancel(ctx context.Context, taskID string) error
	Get(ctx context.Context, taskID string) (types.Task, error)
}

// ActionLister reads the scheduler action log
type ActionLister interface {
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]types.ActionRecord, error)
}

// Handlers holds the dependencies of the HTTP endpoints
type Handlers struct {
	jobs    JobController
	tasks   TaskController
	actions ActionLister
	db      Pinger
	logger  zerolog.Logger
}

// New creates the handler set. actions and db may be nil.
func New(jc JobController, tc TaskController, actions ActionLister, db Pinger, logger *zerolog.Logger) *Handlers {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "http").Logger()
	}
	return &Handlers{jobs: jc, tasks: tc, actions: actions, db: db, logger: l}
}

// Register mounts the internal routes on the group
func (h *Handlers) Register(g *gin.RouterGroup) {
	g.GET("/health", h.Health)

	tenants := g.Group("/tenants/:tenant")
	{
		tenants.GET("/jobs", h.ListJobs)
		tenants.POST("/jobs/:kind", h.StartJob)
		tenants.DELETE("/jobs/:kind", h.StopJob)
		tenants.POST("/tasks", h.SubmitTask)
		tenants.GET("/actions", h.ListActions)
	}

	g.GET("/tasks/:id", h.GetTask)
	g.DELETE("/tasks/:id", h.CancelTask)
}

// errorStatus maps domain errors to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, jobs.ErrInvalidSpec):
		return http.StatusBadRequest
	case errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, tasks.ErrAlreadyRunning),
		errors.Is(err, tasks.ErrNotCancellable):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrNotRunning),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrStartFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
