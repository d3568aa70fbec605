package handlers

import (
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/adpilot/automation-service/internal/jobs"
	"github.com/adpilot/automation-service/internal/supervisor"
	"github.com/adpilot/automation-service/internal/types"
)

// StartJobResponse is returned once a job confirmed it is running
type StartJobResponse struct {
	TenantID  string        `json:"tenantId"`
	Kind      types.JobKind `json:"kind"`
	StartedAt time.Time     `json:"startedAt"`
}

// ListJobsResponse lists the state of every job kind of a tenant
type ListJobsResponse struct {
	Jobs []supervisor.JobStatus `json:"jobs"`
}

// StopJobRequest holds query parameters for stopping a job
type StopJobRequest struct {
	// Grace is a duration string such as "10s"
	Grace string `form:"grace"`
}

// StartJob starts one job kind for the tenant. The body holds the kind's
// params and may be empty.
func (h *Handlers) StartJob(c *gin.Context) {
	tenantID := c.Param("tenant")
	kind := types.JobKind(c.Param("kind"))

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	spec, err := jobs.Parse(kind, body)
	if err != nil {
		h.fail(c, err)
		return
	}

	handle, err := h.jobs.Start(c.Request.Context(), tenantID, spec)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, StartJobResponse{
		TenantID:  tenantID,
		Kind:      kind,
		StartedAt: handle.StartedAt(),
	})
}

// StopJob stops one job kind of the tenant
func (h *Handlers) StopJob(c *gin.Context) {
	tenantID := c.Param("tenant")
	kind := types.JobKind(c.Param("kind"))
	if !kind.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown job kind"})
		return
	}

	var req StopJobRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var grace time.Duration
	if req.Grace != "" {
		d, err := time.ParseDuration(req.Grace)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid grace duration"})
			return
		}
		grace = d
	}

	if err := h.jobs.Stop(c.Request.Context(), tenantID, kind, grace); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListJobs returns the persisted state of every job kind of the tenant
func (h *Handlers) ListJobs(c *gin.Context) {
	status, err := h.jobs.Status(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]supervisor.JobStatus, 0, len(status))
	for _, st := range status {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	c.JSON(http.StatusOK, ListJobsResponse{Jobs: out})
}
