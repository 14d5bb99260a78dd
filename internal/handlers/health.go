package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const healthTimeout = 2 * time.Second

// HealthResponse reports the state of the service and what it depends on
type HealthResponse struct {
	// Status is ok, degraded while storage is offline, or unavailable
	// when the database cannot be reached
	Status   string `json:"status" example:"ok"`
	Database string `json:"database" example:"connected"`
	Storage  string `json:"storage" example:"online"`
}

// HealthCheck godoc
// @Summary Health check
// @Description Pings the database and reports whether storage is online
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (h *Handler) HealthCheck(c *gin.Context) {
	resp := HealthResponse{Status: "ok", Database: "not configured", Storage: "online"}

	if h.storage != nil && h.storage.Offline() {
		resp.Status, resp.Storage = "degraded", "offline"
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		if err := h.db.Status(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("Database health check failed")
			resp.Status, resp.Database = "unavailable", "disconnected"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp.Database = "connected"
	}

	c.JSON(http.StatusOK, resp)
}
