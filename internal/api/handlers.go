package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bastionlabs/bastion/pkg/errors"
	"github.com/bastionlabs/bastion/pkg/resilience"
)

// StatusHandler exposes the resilience system's state over HTTP
type StatusHandler struct {
	system *resilience.System
}

// NewStatusHandler creates a status handler for a wired resilience system
func NewStatusHandler(system *resilience.System) *StatusHandler {
	return &StatusHandler{system: system}
}

// Healthz reports liveness plus the current degradation level. The endpoint
// returns 503 once degradation reaches severe so load balancers drain traffic.
func (h *StatusHandler) Healthz(c *gin.Context) {
	status := h.system.Degradation.GetSystemStatus()
	code := http.StatusOK
	if status.Level >= resilience.LevelSevere {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    "ok",
		"level":     status.LevelName,
		"timestamp": time.Now(),
	})
}

// GetSystemStatus returns the degradation controller's full state
func (h *StatusHandler) GetSystemStatus(c *gin.Context) {
	SuccessResponse(c, h.system.Degradation.GetSystemStatus())
}

// GetHealthReport returns a point-in-time report of all tracked services
func (h *StatusHandler) GetHealthReport(c *gin.Context) {
	SuccessResponse(c, h.system.Recovery.ExportHealthReport())
}

// GetServiceHealth returns tracked state for one service
func (h *StatusHandler) GetServiceHealth(c *gin.Context) {
	name := c.Param("name")
	sh, ok := h.system.Recovery.GetServiceHealth(name)
	if !ok {
		NotFoundResponse(c, "service not tracked: "+name)
		return
	}
	SuccessResponse(c, sh)
}

// GetServiceMetrics returns retained health samples for one service
func (h *StatusHandler) GetServiceMetrics(c *gin.Context) {
	name := c.Param("name")
	samples := h.system.Monitor.GetServiceMetrics(name)
	SuccessResponse(c, gin.H{"service": name, "samples": samples})
}

// GetFeature reports whether a feature is currently available
func (h *StatusHandler) GetFeature(c *gin.Context) {
	name := c.Param("name")
	SuccessResponse(c, gin.H{
		"feature":   name,
		"available": h.system.Degradation.IsFeatureAvailable(name),
	})
}

// GetHistory returns degradation state snapshots. The max_age_seconds query
// parameter limits how far back snapshots are returned.
func (h *StatusHandler) GetHistory(c *gin.Context) {
	var maxAge time.Duration
	if raw := c.Query("max_age_seconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			ErrorResponseFromError(c, errors.NewValidationError("max_age_seconds must be a non-negative integer"))
			return
		}
		maxAge = time.Duration(secs) * time.Second
	}
	SuccessResponse(c, h.system.Degradation.GetDegradationHistory(maxAge))
}

// GetFallbacks returns registered and active fallbacks per service
func (h *StatusHandler) GetFallbacks(c *gin.Context) {
	SuccessResponse(c, h.system.Fallbacks.Status())
}

// FallbackRequestBody is the payload for degraded-mode request routing
type FallbackRequestBody struct {
	Type   string                 `json:"type" binding:"required"`
	Params map[string]interface{} `json:"params"`
}

// HandleFallbackRequest routes a request through the active fallback for a
// service, for callers that cannot reach the service directly.
func (h *StatusHandler) HandleFallbackRequest(c *gin.Context) {
	name := c.Param("name")
	var body FallbackRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		ErrorResponseFromError(c, errors.NewValidationError("invalid request body: "+err.Error()))
		return
	}

	resp, err := h.system.Fallbacks.HandleFallbackRequest(c.Request.Context(), name, resilience.Request{
		Type:   body.Type,
		Params: body.Params,
	})
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, resp)
}
