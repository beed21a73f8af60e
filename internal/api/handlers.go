package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rewired-gh/liqsentry/internal/engine"
	"github.com/rewired-gh/liqsentry/internal/logger"
	"github.com/rewired-gh/liqsentry/internal/models"
)

// RiskService answers the exposed queries. *engine.Engine implements it.
type RiskService interface {
	GetUserRiskSummary(ctx context.Context, borrowerID string) (engine.RiskSummary, error)
	GetSystemHealthOverview(ctx context.Context) engine.Overview
	RunStressTest(ctx context.Context, req engine.StressRequest) (engine.StressReport, error)
}

// Handlers holds the HTTP handlers.
type Handlers struct {
	svc RiskService
}

// NewHandlers creates handlers backed by svc.
func NewHandlers(svc RiskService) *Handlers {
	return &Handlers{svc: svc}
}

// Health reports liveness.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetRiskSummary returns one borrower's risk summary.
func (h *Handlers) GetRiskSummary(c *gin.Context) {
	summary, err := h.svc.GetUserRiskSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summary})
}

// GetOverview returns the system health overview.
func (h *Handlers) GetOverview(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.svc.GetSystemHealthOverview(c.Request.Context())})
}

// RunStressTest simulates a position under the requested scenarios.
func (h *Handlers) RunStressTest(c *gin.Context) {
	var req engine.StressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	report, err := h.svc.RunStressTest(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": report})
}

func writeError(c *gin.Context, err error) {
	switch {
	case engine.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.Error("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
