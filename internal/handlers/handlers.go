// Package handlers exposes the security dashboard and resolution API.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"realguard/internal/middleware"
	"realguard/internal/monitor"
	"realguard/internal/realtime"
	"realguard/internal/securelog"
)

// Handlers carries the collaborators behind the HTTP surface.
type Handlers struct {
	monitor  *monitor.Monitor
	security *middleware.Security
	hub      *realtime.Hub
	logger   *securelog.SecureLogger
	registry *prometheus.Registry
	started  time.Time
}

// New builds the handler set.
func New(
	mon *monitor.Monitor,
	sec *middleware.Security,
	hub *realtime.Hub,
	logger *securelog.SecureLogger,
	registry *prometheus.Registry,
) *Handlers {
	return &Handlers{
		monitor:  mon,
		security: sec,
		hub:      hub,
		logger:   logger,
		registry: registry,
		started:  time.Now(),
	}
}

// Register mounts all routes on the router.
func (h *Handlers) Register(r *gin.Engine) {
	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})))

	api := r.Group("/api/v1/security")
	{
		api.GET("/dashboard", h.dashboard)
		api.GET("/incidents", h.listIncidents)
		api.POST("/incidents/:id/resolve", h.resolveIncident)
		api.GET("/violations", h.listViolations)
		api.POST("/violations/:id/resolve", h.resolveViolation)
		api.DELETE("/blocked-ips/:ip", h.unblockIP)
	}

	if h.hub != nil {
		r.GET("/ws/security", h.hub.HandleWebSocket)
	}
}

func (h *Handlers) health(c *gin.Context) {
	status := "healthy"
	if !h.monitor.Running() {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"monitoring":     h.monitor.Running(),
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handlers) dashboard(c *gin.Context) {
	data := h.monitor.DashboardData()

	resp := gin.H{
		"security":   data,
		"middleware": h.security.Stats(),
	}
	if h.hub != nil {
		resp["dashboard_clients"] = h.hub.ClientCount()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) listIncidents(c *gin.Context) {
	incidents := h.monitor.Incidents()
	if t := c.Query("type"); t != "" {
		incidents = h.monitor.IncidentsByType(t)
	}
	c.JSON(http.StatusOK, gin.H{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (h *Handlers) resolveIncident(c *gin.Context) {
	var req resolveRequest
	_ = c.ShouldBindJSON(&req)

	id := c.Param("id")
	if err := h.monitor.ResolveIncident(id, req.Notes); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("incident resolved", map[string]any{"incident_id": id})
	c.JSON(http.StatusOK, gin.H{"incident_id": id, "resolved": true})
}

func (h *Handlers) listViolations(c *gin.Context) {
	violations := h.monitor.Violations()
	c.JSON(http.StatusOK, gin.H{
		"violations": violations,
		"count":      len(violations),
	})
}

func (h *Handlers) resolveViolation(c *gin.Context) {
	id := c.Param("id")
	if err := h.monitor.ResolveViolation(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("violation resolved", map[string]any{"violation_id": id})
	c.JSON(http.StatusOK, gin.H{"violation_id": id, "resolved": true})
}

// unblockIP lifts an automated IP block after investigation.
func (h *Handlers) unblockIP(c *gin.Context) {
	ip := c.Param("ip")
	if err := h.monitor.UnblockIP(c.Request.Context(), ip); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.logger.Security("ip block lifted", map[string]any{"ip": ip})
	c.JSON(http.StatusOK, gin.H{"ip": ip, "blocked": false})
}
