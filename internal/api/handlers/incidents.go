package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/leozw/uptime-sentinel/internal/db"
	"github.com/leozw/uptime-sentinel/internal/incidents"
	"go.uber.org/zap"
)

func (h *Handler) ListIncidents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	filter := db.IncidentFilter{
		ProjectID: projectID(c),
		MonitorID: c.Query("monitor_id"),
		Limit:     limit,
	}
	if raw := c.Query("status"); raw != "" {
		status := core.IncidentStatus(raw)
		if !core.ValidIncidentStatus(status) {
			badRequest(c, "status must be open, acknowledged or resolved")
			return
		}
		filter.Status = status
	}

	list, err := h.incidents.List(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"incidents": list})
}

func (h *Handler) ListOpenIncidents(c *gin.Context) {
	list, err := h.incidents.List(c.Request.Context(), db.IncidentFilter{
		ProjectID: projectID(c),
		OpenOnly:  true,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"incidents": list})
}

func (h *Handler) scopedIncident(c *gin.Context) (*core.Incident, bool) {
	incident, err := h.incidents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	if !visible(c, incident.ProjectID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return nil, false
	}
	return incident, true
}

func (h *Handler) GetIncident(c *gin.Context) {
	incident, ok := h.scopedIncident(c)
	if !ok {
		return
	}

	history, err := h.ledger.History(c.Request.Context(), core.EntityIncident, incident.ID)
	if err != nil {
		h.logger.Error("Failed to get incident history", zap.String("incident_id", incident.ID), zap.Error(err))
		history = []*core.AuditEntry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"incident": incident,
		"history":  history,
	})
}

func (h *Handler) CreateIncident(c *gin.Context) {
	var req incidents.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	if scope := projectID(c); scope != "" {
		if req.ProjectID != "" && req.ProjectID != scope {
			badRequest(c, "project_id does not match the request project")
			return
		}
		req.ProjectID = scope

		if req.MonitorID != nil && *req.MonitorID != "" {
			monitor, err := h.monitors.Get(c.Request.Context(), *req.MonitorID)
			if err == nil && !visible(c, monitor.ProjectID) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
				return
			}
		}
	}

	incident, created, err := h.incidents.Open(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"incident": incident,
		"created":  created,
	})
}

func (h *Handler) AcknowledgeIncident(c *gin.Context) {
	if _, ok := h.scopedIncident(c); !ok {
		return
	}

	incident, err := h.incidents.Acknowledge(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, incident)
}

func (h *Handler) ResolveIncident(c *gin.Context) {
	if _, ok := h.scopedIncident(c); !ok {
		return
	}

	incident, err := h.incidents.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, incident)
}
