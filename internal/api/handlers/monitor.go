package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/leozw/uptime-sentinel/internal/monitors"
	"go.uber.org/zap"
)

const (
	defaultMetricsWindow = 24 * time.Hour
	defaultSLAPeriod     = 30 * 24 * time.Hour
)

var (
	defaultPercentiles = []float64{50, 90, 95, 99}

	errInvalidPercentiles = errors.New("percentiles must be a comma separated list of numbers")
)

func (h *Handler) CreateMonitor(c *gin.Context) {
	var req monitors.CreateInput
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
	}

	monitor, err := h.monitors.Create(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, monitor)
}

func (h *Handler) ListMonitors(c *gin.Context) {
	list, err := h.monitors.List(c.Request.Context(), projectID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"monitors": list,
		"total":    len(list),
	})
}

// scopedMonitor loads the monitor named by the :id parameter and writes a
// 404 when it is missing or outside the request project.
func (h *Handler) scopedMonitor(c *gin.Context) (*core.Monitor, bool) {
	monitor, err := h.monitors.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	if !visible(c, monitor.ProjectID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return nil, false
	}
	return monitor, true
}

func (h *Handler) GetMonitor(c *gin.Context) {
	monitor, ok := h.scopedMonitor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, monitor)
}

func (h *Handler) UpdateMonitor(c *gin.Context) {
	if _, ok := h.scopedMonitor(c); !ok {
		return
	}

	var req monitors.UpdateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	monitor, err := h.monitors.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, monitor)
}

func (h *Handler) DeleteMonitor(c *gin.Context) {
	if _, ok := h.scopedMonitor(c); !ok {
		return
	}

	if err := h.monitors.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) CheckMonitor(c *gin.Context) {
	if _, ok := h.scopedMonitor(c); !ok {
		return
	}

	result, err := h.monitors.CheckNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	if !result.Applied {
		h.logger.Debug("Manual check superseded by a newer probe", zap.String("monitor_id", c.Param("id")))
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetMonitorStatus(c *gin.Context) {
	if _, ok := h.scopedMonitor(c); !ok {
		return
	}

	status, err := h.monitors.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func (h *Handler) GetMonitorMetrics(c *gin.Context) {
	if _, ok := h.scopedMonitor(c); !ok {
		return
	}

	window, ok := queryWindow(c, defaultMetricsWindow)
	if !ok {
		return
	}

	percentiles := defaultPercentiles
	if raw := c.Query("percentiles"); raw != "" {
		parsed, err := parsePercentiles(raw)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		percentiles = parsed
	}

	stats, err := h.monitors.Metrics(c.Request.Context(), c.Param("id"), window, percentiles)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (h *Handler) GetMonitorResults(c *gin.Context) {
	if _, ok := h.scopedMonitor(c); !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(monitors.DefaultResultsLimit)))

	results, err := h.monitors.Results(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *Handler) GetMonitorSLA(c *gin.Context) {
	if _, ok := h.scopedMonitor(c); !ok {
		return
	}

	if raw := c.Query("month"); raw != "" {
		month, err := time.Parse("2006-01", raw)
		if err != nil {
			badRequest(c, "month must look like 2006-01")
			return
		}
		report, err := h.monitors.MonthlySLA(c.Request.Context(), c.Param("id"), month.Year(), month.Month())
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
		return
	}

	end := time.Now().UTC()
	if raw := c.Query("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, "end must be an RFC3339 timestamp")
			return
		}
		end = t
	}

	start := end.Add(-defaultSLAPeriod)
	if raw := c.Query("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, "start must be an RFC3339 timestamp")
			return
		}
		start = t
	}

	if !end.After(start) {
		badRequest(c, "end must be after start")
		return
	}

	report, err := h.monitors.SLA(c.Request.Context(), c.Param("id"), start, end)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// parseWindow accepts Go durations plus a "d" suffix for days.
func parseWindow(raw string) (time.Duration, error) {
	var d time.Duration
	var err error
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		var n int
		n, err = strconv.Atoi(days)
		d = time.Duration(n) * 24 * time.Hour
	} else {
		d, err = time.ParseDuration(raw)
	}
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, strconv.ErrRange
	}
	return d, nil
}

func parsePercentiles(raw string) ([]float64, error) {
	parts := strings.Split(raw, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, errInvalidPercentiles
		}
		out = append(out, v)
	}
	return out, nil
}
