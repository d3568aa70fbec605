package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/adpilot/automation-service/internal/types"
)

// SubmitTaskRequest is the body of a manual batch
type SubmitTaskRequest struct {
	Kind       types.TaskKind    `json:"kind"`
	Operations []types.Operation `json:"operations" binding:"required,min=1,max=10000,dive"`
}

// SubmitTaskResponse carries the new task ID
type SubmitTaskResponse struct {
	TaskID string `json:"taskId"`
}

// ListActionsRequest holds query parameters for the action log
type ListActionsRequest struct {
	Limit int `form:"limit" binding:"min=0,max=1000"`
}

// ListActionsResponse lists scheduler actions, newest first
type ListActionsResponse struct {
	Actions []types.ActionRecord `json:"actions"`
}

// SubmitTask accepts a batch of operations for the tenant
func (h *Handlers) SubmitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Kind == "" {
		req.Kind = types.TaskManual
	}
	if req.Kind != types.TaskManual && req.Kind != types.TaskAuto {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be manual or auto"})
		return
	}
	for _, op := range req.Operations {
		if op.AccountID == "" || op.EntityID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "every operation needs accountId and entityId"})
			return
		}
	}

	id, err := h.tasks.Submit(c.Request.Context(), c.Param("tenant"), req.Kind, req.Operations)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SubmitTaskResponse{TaskID: id})
}

// GetTask returns a snapshot of the task
func (h *Handlers) GetTask(c *gin.Context) {
	t, err := h.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// CancelTask requests cooperative cancellation of the task
func (h *Handlers) CancelTask(c *gin.Context) {
	if err := h.tasks.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// ListActions returns the tenant's latest scheduler actions
func (h *Handlers) ListActions(c *gin.Context) {
	if h.actions == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "action log not configured"})
		return
	}
	var req ListActionsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Limit == 0 {
		req.Limit = 100
	}
	recs, err := h.actions.ListByTenant(c.Request.Context(), c.Param("tenant"), req.Limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if recs == nil {
		recs = []types.ActionRecord{}
	}
	c.JSON(http.StatusOK, ListActionsResponse{Actions: recs})
}
