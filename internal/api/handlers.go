package api

import (
	"context"
	"net/http"

	"muniworks/prelude/internal/orchestrator"

	"github.com/gin-gonic/gin"
)

// startupService is the subset of *orchestrator.Supervisor used by the
// HTTP handlers. Declaring it as an interface allows test doubles to be injected.
type startupService interface {
	RunStartup(ctx context.Context) (*orchestrator.StartupReport, error)
	RunDeepHealth(ctx context.Context) map[string]orchestrator.ProbeResult
	IsReady() bool
	IsStartupInProgress() bool
	LastReport() *orchestrator.StartupReport
}

// Handler holds the dependencies shared across all HTTP handlers.
type Handler struct {
	startup startupService
}

// Startup handles POST /api/v1/startup.
// It returns 202 immediately when a new startup run is started, or 409 if one
// is already in progress. The actual run happens in a background goroutine.
//
// @Summary  Trigger a startup run
// @Tags     startup
// @Produce  json
// @Success  202 {object} map[string]string
// @Failure  409 {object} map[string]string
// @Router   /api/v1/startup [post]
func (h *Handler) Startup(c *gin.Context) {
	if h.startup.IsStartupInProgress() {
		c.JSON(http.StatusConflict, gin.H{"status": orchestrator.StatusInProgress})
		return
	}
	go func() {
		//nolint:errcheck
		h.startup.RunStartup(context.Background()) //nolint:contextcheck
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// Report handles GET /api/v1/startup/report.
// It returns the full report of the most recent run, or 404 when no run
// has finished yet.
//
// @Summary  Latest startup report
// @Tags     startup
// @Produce  json
// @Success  200 {object} orchestrator.StartupReport
// @Failure  404 {object} map[string]string
// @Router   /api/v1/startup/report [get]
func (h *Handler) Report(c *gin.Context) {
	report := h.startup.LastReport()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no startup run recorded"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// Events handles GET /api/v1/startup/events.
// It returns just the event narrative and step order of the most recent
// run, the parts operators read first when a workstation start looks slow.
//
// @Summary  Latest startup event narrative
// @Tags     startup
// @Produce  json
// @Success  200 {object} map[string]interface{}
// @Failure  404 {object} map[string]string
// @Router   /api/v1/startup/events [get]
func (h *Handler) Events(c *gin.Context) {
	report := h.startup.LastReport()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no startup run recorded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events":    report.Events,
		"stepOrder": report.StepOrder,
	})
}

// Health handles GET /health.
// It always returns 200; this is the liveness probe.
//
// @Summary  Liveness probe
// @Tags     health
// @Produce  json
// @Success  200 {object} map[string]string
// @Router   /health [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"mode":   "shallow",
	})
}

// DeepHealth handles GET /health/deep.
// It probes every backing dependency and returns 200 only when all are OK.
//
// @Summary  Deep health probe across all dependencies
// @Tags     health
// @Produce  json
// @Success  200 {object} map[string]interface{}
// @Failure  503 {object} map[string]interface{}
// @Router   /health/deep [get]
func (h *Handler) DeepHealth(c *gin.Context) {
	probes := h.startup.RunDeepHealth(c.Request.Context())

	allOK := true
	for _, p := range probes {
		if !p.OK {
			allOK = false
			break
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !allOK {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":       status,
		"dependencies": probes,
	})
}

// Ready handles GET /ready.
// It returns 200 only after a successful startup run; 503 otherwise.
//
// @Summary  Readiness probe
// @Tags     health
// @Produce  json
// @Success  200 {object} map[string]bool
// @Failure  503 {object} map[string]bool
// @Router   /ready [get]
func (h *Handler) Ready(c *gin.Context) {
	if h.startup.IsReady() {
		c.JSON(http.StatusOK, gin.H{"ready": true})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
}
