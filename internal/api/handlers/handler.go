package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/leozw/uptime-sentinel/internal/audit"
	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/leozw/uptime-sentinel/internal/db"
	"github.com/leozw/uptime-sentinel/internal/incidents"
	"github.com/leozw/uptime-sentinel/internal/monitors"
	"github.com/leozw/uptime-sentinel/internal/projects"
	"github.com/leozw/uptime-sentinel/internal/scheduler"
	"github.com/leozw/uptime-sentinel/internal/sla"
	"go.uber.org/zap"
)

// HealthChecker is an optional dependency probed by the readiness check.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

type Handler struct {
	store     db.Store
	monitors  *monitors.Service
	incidents *incidents.Manager
	ledger    *audit.Ledger
	projects  *projects.Service
	sla       *sla.Evaluator
	cache     HealthChecker
	logger    *zap.Logger
}

func NewHandler(store db.Store, monitorService *monitors.Service, manager *incidents.Manager, ledger *audit.Ledger, projectService *projects.Service, evaluator *sla.Evaluator, cache HealthChecker, logger *zap.Logger) *Handler {
	return &Handler{
		store:     store,
		monitors:  monitorService,
		incidents: manager,
		ledger:    ledger,
		projects:  projectService,
		sla:       evaluator,
		cache:     cache,
		logger:    logger,
	}
}

// respondError maps domain errors onto status codes. Anything unexpected is
// logged and reported as a 500 without details.
func (h *Handler) respondError(c *gin.Context, err error) {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": verr.Problems})
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, scheduler.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrNotScheduled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrStopped), errors.Is(err, scheduler.ErrProbeCancelled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, sla.ErrNoData):
		c.JSON(http.StatusNotFound, gin.H{"error": "No probe results in period"})
	case errors.Is(err, sla.ErrInvalidPercentile):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func projectID(c *gin.Context) string {
	return c.GetString("project_id")
}

// visible reports whether a resource of the given project may be shown to a
// request scoped by the project middleware.
func visible(c *gin.Context, owner string) bool {
	scope := projectID(c)
	return scope == "" || scope == owner
}
