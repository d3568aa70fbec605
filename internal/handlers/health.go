package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

// Ping implements Pinger
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Jobs     int    `json:"jobs"`
}

// Health handles the health check endpoint. A nil db reports "not configured".
func (h *Handlers) Health(c *gin.Context) {
	response := HealthResponse{
		Status: "ok",
		Jobs:   len(h.jobs.Running()),
	}

	if h.db == nil {
		response.Database = "not configured"
		c.JSON(http.StatusOK, response)
		return
	}
	if err := h.db.Ping(c.Request.Context()); err != nil {
		response.Status = "degraded"
		response.Database = "disconnected"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	response.Database = "connected"
	c.JSON(http.StatusOK, response)
}
