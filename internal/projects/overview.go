package projects

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/leozw/uptime-sentinel/internal/db"
	"github.com/leozw/uptime-sentinel/internal/sla"
	"go.uber.org/zap"
)

const (
	LatencyWindow = time.Hour
	UptimeWindow  = 24 * time.Hour

	// names listed in the message before it is cut short
	maxNamesInMessage = 3
)

type OverallStatus string

const (
	StatusOperational OverallStatus = "operational"
	StatusDegraded    OverallStatus = "degraded"
	StatusOutage      OverallStatus = "major_outage"
	StatusNoData      OverallStatus = "unknown"
)

type Overview struct {
	ProjectID      string                     `json:"project_id,omitempty"`
	TotalMonitors  int                        `json:"total_monitors"`
	ByStatus       map[core.MonitorStatus]int `json:"by_status"`
	OpenIncidents  int                        `json:"open_incidents"`
	AvgLatency1hMs *float64                   `json:"avg_latency_1h_ms"`
	Uptime24h      *float64                   `json:"uptime_24h"`
	HealthScore    float64                    `json:"health_score"`
	OverallStatus  OverallStatus              `json:"overall_status"`
	Message        string                     `json:"message"`
	GeneratedAt    time.Time                  `json:"generated_at"`
}

type Service struct {
	store  db.Queries
	sla    *sla.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store db.Queries, slaStore *sla.Store, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		sla:    slaStore,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Overview summarises the monitors of a project, or of every project when
// projectID is empty.
func (s *Service) Overview(ctx context.Context, projectID string) (*Overview, error) {
	monitors, err := s.store.ListMonitors(ctx, db.MonitorFilter{ProjectID: projectID})
	if err != nil {
		return nil, fmt.Errorf("failed to list monitors: %w", err)
	}

	open, err := s.store.ListIncidents(ctx, db.IncidentFilter{ProjectID: projectID, OpenOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list open incidents: %w", err)
	}

	ov := &Overview{
		ProjectID:     projectID,
		TotalMonitors: len(monitors),
		ByStatus: map[core.MonitorStatus]int{
			core.StatusUp:      0,
			core.StatusDown:    0,
			core.StatusUnknown: 0,
		},
		OpenIncidents: len(open),
		GeneratedAt:   s.now(),
	}

	var latency, uptime sla.Totals
	var down []string
	for _, m := range monitors {
		ov.ByStatus[m.Status]++
		if m.Status == core.StatusDown {
			down = append(down, m.Name)
		}

		l := s.sla.Totals(m.ID, LatencyWindow)
		latency.Timed += l.Timed
		latency.LatencySum += l.LatencySum

		u := s.sla.Totals(m.ID, UptimeWindow)
		uptime.Probes += u.Probes
		uptime.Up += u.Up
	}

	if latency.Timed > 0 {
		avg := float64(latency.LatencySum) / float64(latency.Timed)
		ov.AvgLatency1hMs = &avg
	}
	if uptime.Probes > 0 {
		ratio := float64(uptime.Up) / float64(uptime.Probes)
		ov.Uptime24h = &ratio
	}

	ov.HealthScore = healthScore(ov.ByStatus)
	ov.OverallStatus = overallStatus(ov.ByStatus)
	ov.Message = statusMessage(ov, down)

	s.logger.Debug("Built project overview",
		zap.String("project_id", projectID),
		zap.Int("monitors", ov.TotalMonitors),
		zap.Int("open_incidents", ov.OpenIncidents),
	)
	return ov, nil
}

// healthScore is the share of probed monitors that are up, from 0 to 100.
// Monitors that were never probed do not count.
func healthScore(byStatus map[core.MonitorStatus]int) float64 {
	probed := byStatus[core.StatusUp] + byStatus[core.StatusDown]
	if probed == 0 {
		return 0
	}
	score := float64(byStatus[core.StatusUp]) * 100 / float64(probed)
	return math.Round(score*100) / 100
}

func overallStatus(byStatus map[core.MonitorStatus]int) OverallStatus {
	up, down := byStatus[core.StatusUp], byStatus[core.StatusDown]
	switch {
	case up == 0 && down == 0:
		return StatusNoData
	case down == 0:
		return StatusOperational
	case up == 0:
		return StatusOutage
	default:
		return StatusDegraded
	}
}

func statusMessage(ov *Overview, down []string) string {
	switch ov.OverallStatus {
	case StatusNoData:
		if ov.TotalMonitors == 0 {
			return "No monitors in project"
		}
		return "Waiting for first probes"
	case StatusOperational:
		return "All monitors operational"
	}

	if len(down) <= maxNamesInMessage {
		return fmt.Sprintf("Monitors down: %s", strings.Join(down, ", "))
	}
	return fmt.Sprintf("%d monitor(s) down, %d operational", len(down), ov.ByStatus[core.StatusUp])
}
