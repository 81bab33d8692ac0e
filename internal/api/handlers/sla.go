package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/leozw/uptime-sentinel/internal/sla"
)

// queryWindow reads the window query parameter, writing a 400 on bad input.
func queryWindow(c *gin.Context, def time.Duration) (time.Duration, bool) {
	raw := c.Query("window")
	if raw == "" {
		return def, true
	}
	d, err := parseWindow(raw)
	if err != nil {
		badRequest(c, "window must be a positive duration such as 1h or 7d")
		return 0, false
	}
	return d, true
}

func (h *Handler) GetSLAReport(c *gin.Context) {
	window, ok := queryWindow(c, sla.DefaultComplianceWindow)
	if !ok {
		return
	}

	report, err := h.sla.Compliance(c.Request.Context(), projectID(c), window)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) GetMonitorUptimeCompliance(c *gin.Context) {
	if _, ok := h.scopedMonitor(c); !ok {
		return
	}
	window, ok := queryWindow(c, defaultMetricsWindow)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.sla.Uptime(c.Param("id"), window))
}

func (h *Handler) GetMonitorLatencyCompliance(c *gin.Context) {
	if _, ok := h.scopedMonitor(c); !ok {
		return
	}
	window, ok := queryWindow(c, defaultMetricsWindow)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.sla.Latency(c.Param("id"), window))
}

func (h *Handler) GetMTTA(c *gin.Context) {
	window, ok := queryWindow(c, sla.DefaultComplianceWindow)
	if !ok {
		return
	}

	stats, err := h.sla.MTTA(c.Request.Context(), projectID(c), window)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) GetMTTR(c *gin.Context) {
	window, ok := queryWindow(c, sla.DefaultComplianceWindow)
	if !ok {
		return
	}

	stats, err := h.sla.MTTR(c.Request.Context(), projectID(c), window)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) GetHealthScore(c *gin.Context) {
	score, err := h.sla.HealthScore(c.Request.Context(), projectID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, score)
}
