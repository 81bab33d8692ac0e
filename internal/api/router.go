package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/leozw/uptime-sentinel/internal/api/handlers"
	"github.com/leozw/uptime-sentinel/internal/api/middleware"
	"go.uber.org/zap"
)

type Server struct {
	Router  *gin.Engine
	handler *handlers.Handler
	metrics http.Handler
	logger  *zap.Logger
}

// NewServer wires the routes. metricsHandler serves /metrics and may be nil.
func NewServer(mode string, handler *handlers.Handler, metricsHandler http.Handler, logger *zap.Logger) *Server {
	if mode != "" {
		gin.SetMode(mode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS())

	server := &Server{
		Router:  router,
		handler: handler,
		metrics: metricsHandler,
		logger:  logger,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	h := s.handler

	s.Router.GET("/health", h.Health)
	s.Router.GET("/ready", h.Ready)
	if s.metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := s.Router.Group("/api/v1")
	api.Use(middleware.Project())

	monitors := api.Group("/monitors")
	{
		monitors.GET("", h.ListMonitors)
		monitors.POST("", h.CreateMonitor)
		monitors.GET("/:id", h.GetMonitor)
		monitors.PUT("/:id", h.UpdateMonitor)
		monitors.PATCH("/:id", h.UpdateMonitor)
		monitors.DELETE("/:id", h.DeleteMonitor)
		monitors.POST("/:id/check", h.CheckMonitor)
		monitors.GET("/:id/status", h.GetMonitorStatus)
		monitors.GET("/:id/metrics", h.GetMonitorMetrics)
		monitors.GET("/:id/results", h.GetMonitorResults)
		monitors.GET("/:id/sla", h.GetMonitorSLA)
	}

	incidents := api.Group("/incidents")
	{
		incidents.GET("", h.ListIncidents)
		incidents.POST("", h.CreateIncident)
		incidents.GET("/open", h.ListOpenIncidents)
		incidents.GET("/:id", h.GetIncident)
		incidents.POST("/:id/acknowledge", h.AcknowledgeIncident)
		incidents.POST("/:id/resolve", h.ResolveIncident)
	}

	audit := api.Group("/audit")
	{
		audit.GET("", h.ListAudit)
		audit.GET("/stats", h.AuditStats)
		audit.GET("/feed", h.AuditFeed)
		audit.GET("/:entity_type/:entity_id/history", h.EntityHistory)
		audit.GET("/:entity_type/:entity_id/state", h.EntityState)
		audit.GET("/:entity_type/:entity_id/replay", h.EntityReplay)
		audit.GET("/:entity_type/:entity_id/diff", h.EntityDiff)
	}

	slaGroup := api.Group("/sla")
	{
		slaGroup.GET("/report", h.GetSLAReport)
		slaGroup.GET("/health-score", h.GetHealthScore)
		slaGroup.GET("/incidents/mtta", h.GetMTTA)
		slaGroup.GET("/incidents/mttr", h.GetMTTR)
		slaGroup.GET("/monitors/:id/uptime", h.GetMonitorUptimeCompliance)
		slaGroup.GET("/monitors/:id/latency", h.GetMonitorLatencyCompliance)
	}

	api.GET("/overview", h.GetOverview)
}
