package sla

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/leozw/uptime-sentinel/internal/config"
	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/leozw/uptime-sentinel/internal/db"
)

const (
	DefaultUptimeTarget     = 99.9
	DefaultLatencyP95Ms     = 500
	DefaultAckTarget        = 15 * time.Minute
	DefaultResolutionTarget = 4 * time.Hour

	DefaultComplianceWindow = 30 * 24 * time.Hour
	HealthScoreWindow       = 24 * time.Hour
)

// Targets are the service levels monitors and incidents are held to.
type Targets struct {
	Name             string
	UptimePercent    float64
	LatencyP95Ms     int64
	AckTarget        time.Duration
	ResolutionTarget time.Duration
}

func TargetsFromConfig(cfg config.SLAConfig) Targets {
	t := Targets{
		Name:             cfg.Name,
		UptimePercent:    cfg.UptimeTarget,
		LatencyP95Ms:     cfg.LatencyP95Ms,
		AckTarget:        cfg.AckTarget,
		ResolutionTarget: cfg.ResolutionTarget,
	}
	if t.Name == "" {
		t.Name = "Standard"
	}
	if t.UptimePercent <= 0 {
		t.UptimePercent = DefaultUptimeTarget
	}
	if t.LatencyP95Ms <= 0 {
		t.LatencyP95Ms = DefaultLatencyP95Ms
	}
	if t.AckTarget <= 0 {
		t.AckTarget = DefaultAckTarget
	}
	if t.ResolutionTarget <= 0 {
		t.ResolutionTarget = DefaultResolutionTarget
	}
	return t
}

type TargetsView struct {
	Name                  string  `json:"name"`
	UptimePercent         float64 `json:"uptime_percent"`
	LatencyP95Ms          int64   `json:"latency_p95_ms"`
	AckTargetMinutes      float64 `json:"ack_target_minutes"`
	ResolutionTargetHours float64 `json:"resolution_target_hours"`
}

func (t Targets) View() TargetsView {
	return TargetsView{
		Name:                  t.Name,
		UptimePercent:         t.UptimePercent,
		LatencyP95Ms:          t.LatencyP95Ms,
		AckTargetMinutes:      t.AckTarget.Minutes(),
		ResolutionTargetHours: t.ResolutionTarget.Hours(),
	}
}

// UptimeCompliance compares a monitor's uptime to the target. Nil fields
// mean the window holds no probes.
type UptimeCompliance struct {
	MonitorID        string   `json:"monitor_id"`
	Window           string   `json:"window"`
	TotalProbes      int      `json:"total_probes"`
	SuccessfulProbes int      `json:"successful_probes"`
	FailedProbes     int      `json:"failed_probes"`
	UptimePercentage *float64 `json:"uptime_percentage"`
	TargetPercent    float64  `json:"target_percent"`
	Met              *bool    `json:"sla_met"`
	BreachMargin     *float64 `json:"sla_breach_margin"`
}

type LatencyCompliance struct {
	MonitorID   string   `json:"monitor_id"`
	Window      string   `json:"window"`
	Samples     int      `json:"samples"`
	MinMs       *int64   `json:"min_ms"`
	MaxMs       *int64   `json:"max_ms"`
	AvgMs       *float64 `json:"avg_ms"`
	P50Ms       *int64   `json:"p50_ms"`
	P95Ms       *int64   `json:"p95_ms"`
	P99Ms       *int64   `json:"p99_ms"`
	TargetP95Ms int64    `json:"target_p95_ms"`
	Met         *bool    `json:"sla_met"`
}

// ResponseStats summarise how long incidents took to reach a milestone
// (acknowledgement or resolution) against its target.
type ResponseStats struct {
	Window        string   `json:"window"`
	Incidents     int      `json:"incidents"`
	MeanMinutes   *float64 `json:"mean_minutes"`
	MinMinutes    *float64 `json:"min_minutes"`
	MaxMinutes    *float64 `json:"max_minutes"`
	TargetMinutes float64  `json:"target_minutes"`
	Breaches      int      `json:"breaches"`
	Met           *bool    `json:"sla_met"`
}

type MonitorCompliance struct {
	ID      string             `json:"id"`
	Name    string             `json:"name"`
	Uptime  *UptimeCompliance  `json:"uptime"`
	Latency *LatencyCompliance `json:"latency"`
}

type ComplianceReport struct {
	ProjectID   string              `json:"project_id,omitempty"`
	GeneratedAt time.Time           `json:"generated_at"`
	Window      string              `json:"window"`
	Targets     TargetsView         `json:"targets"`
	MTTA        *ResponseStats      `json:"mtta"`
	MTTR        *ResponseStats      `json:"mttr"`
	Monitors    []MonitorCompliance `json:"monitors"`
	Compliant   bool                `json:"compliant"`
}

type HealthScore struct {
	ProjectID string   `json:"project_id,omitempty"`
	Score     int      `json:"score"`
	Status    string   `json:"status"`
	Issues    []string `json:"issues"`
	Window    string   `json:"window"`
}

// Evaluator checks probe windows and incident response times against the
// configured targets.
type Evaluator struct {
	samples *Store
	store   db.Queries
	targets Targets
	now     func() time.Time
}

func NewEvaluator(samples *Store, store db.Queries, targets Targets) *Evaluator {
	return &Evaluator{
		samples: samples,
		store:   store,
		targets: targets,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (e *Evaluator) Uptime(monitorID string, window time.Duration) *UptimeCompliance {
	t := e.samples.Totals(monitorID, window)
	u := &UptimeCompliance{
		MonitorID:        monitorID,
		Window:           window.String(),
		TotalProbes:      t.Probes,
		SuccessfulProbes: t.Up,
		FailedProbes:     t.Probes - t.Up,
		TargetPercent:    e.targets.UptimePercent,
	}
	if t.Probes == 0 {
		return u
	}

	pct := round(float64(t.Up)/float64(t.Probes)*100, 4)
	met := pct >= e.targets.UptimePercent
	margin := round(pct-e.targets.UptimePercent, 4)
	u.UptimePercentage = &pct
	u.Met = &met
	u.BreachMargin = &margin
	return u
}

func (e *Evaluator) Latency(monitorID string, window time.Duration) *LatencyCompliance {
	l := &LatencyCompliance{
		MonitorID:   monitorID,
		Window:      window.String(),
		TargetP95Ms: e.targets.LatencyP95Ms,
	}
	t := e.samples.Totals(monitorID, window)
	if t.Timed == 0 {
		return l
	}
	l.Samples = t.Timed
	avg := round(float64(t.LatencySum)/float64(t.Timed), 1)
	l.AvgMs = &avg

	for _, f := range []struct {
		p   float64
		dst **int64
	}{{0, &l.MinMs}, {50, &l.P50Ms}, {95, &l.P95Ms}, {99, &l.P99Ms}, {100, &l.MaxMs}} {
		if v, err := e.samples.LatencyPercentile(monitorID, window, f.p); err == nil {
			*f.dst = &v
		}
	}
	if l.P95Ms != nil {
		met := *l.P95Ms <= e.targets.LatencyP95Ms
		l.Met = &met
	}
	return l
}

// MTTA is the mean time to acknowledge incidents that started in the window.
func (e *Evaluator) MTTA(ctx context.Context, projectID string, window time.Duration) (*ResponseStats, error) {
	return e.response(ctx, projectID, window, e.targets.AckTarget, func(i *core.Incident) *time.Time {
		return i.AcknowledgedAt
	})
}

// MTTR is the mean time to resolve incidents that started in the window.
func (e *Evaluator) MTTR(ctx context.Context, projectID string, window time.Duration) (*ResponseStats, error) {
	return e.response(ctx, projectID, window, e.targets.ResolutionTarget, func(i *core.Incident) *time.Time {
		if i.Status != core.IncidentResolved {
			return nil
		}
		return i.ResolvedAt
	})
}

func (e *Evaluator) response(ctx context.Context, projectID string, window, target time.Duration, milestone func(*core.Incident) *time.Time) (*ResponseStats, error) {
	list, err := e.store.ListIncidents(ctx, db.IncidentFilter{
		ProjectID:    projectID,
		StartedSince: e.now().Add(-window),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}

	stats := &ResponseStats{Window: window.String(), TargetMinutes: target.Minutes()}
	var total, lo, hi float64
	for _, i := range list {
		at := milestone(i)
		if at == nil {
			continue
		}
		minutes := at.Sub(i.StartedAt).Minutes()
		if stats.Incidents == 0 || minutes < lo {
			lo = minutes
		}
		if stats.Incidents == 0 || minutes > hi {
			hi = minutes
		}
		stats.Incidents++
		total += minutes
		if minutes > target.Minutes() {
			stats.Breaches++
		}
	}
	if stats.Incidents == 0 {
		return stats, nil
	}

	mean := round(total/float64(stats.Incidents), 1)
	lo, hi = round(lo, 1), round(hi, 1)
	met := stats.Breaches == 0
	stats.MeanMinutes, stats.MinMinutes, stats.MaxMinutes = &mean, &lo, &hi
	stats.Met = &met
	return stats, nil
}

// Compliance evaluates every monitor of the project plus incident response.
// A check without data never fails the report.
func (e *Evaluator) Compliance(ctx context.Context, projectID string, window time.Duration) (*ComplianceReport, error) {
	monitors, err := e.store.ListMonitors(ctx, db.MonitorFilter{ProjectID: projectID})
	if err != nil {
		return nil, fmt.Errorf("failed to list monitors: %w", err)
	}
	mtta, err := e.MTTA(ctx, projectID, window)
	if err != nil {
		return nil, err
	}
	mttr, err := e.MTTR(ctx, projectID, window)
	if err != nil {
		return nil, err
	}

	report := &ComplianceReport{
		ProjectID:   projectID,
		GeneratedAt: e.now(),
		Window:      window.String(),
		Targets:     e.targets.View(),
		MTTA:        mtta,
		MTTR:        mttr,
		Monitors:    make([]MonitorCompliance, 0, len(monitors)),
		Compliant:   !breached(mtta.Met) && !breached(mttr.Met),
	}
	for _, m := range monitors {
		mc := MonitorCompliance{
			ID:      m.ID,
			Name:    m.Name,
			Uptime:  e.Uptime(m.ID, window),
			Latency: e.Latency(m.ID, window),
		}
		if breached(mc.Uptime.Met) || breached(mc.Latency.Met) {
			report.Compliant = false
		}
		report.Monitors = append(report.Monitors, mc)
	}
	return report, nil
}

// HealthScore condenses the last day into 0-100. Each uptime miss costs up
// to 40 points, each slow p95 up to 20, a slow MTTA or MTTR up to 20 each.
func (e *Evaluator) HealthScore(ctx context.Context, projectID string) (*HealthScore, error) {
	report, err := e.Compliance(ctx, projectID, HealthScoreWindow)
	if err != nil {
		return nil, err
	}

	score := 100.0
	issues := []string{}
	for _, m := range report.Monitors {
		if pct := m.Uptime.UptimePercentage; pct != nil && *pct < e.targets.UptimePercent {
			score -= math.Min(40, (e.targets.UptimePercent-*pct)*10)
			issues = append(issues, fmt.Sprintf("%s uptime: %g%%", m.Name, *pct))
		}
		if p95 := m.Latency.P95Ms; p95 != nil && *p95 > e.targets.LatencyP95Ms {
			score -= math.Min(20, float64(*p95-e.targets.LatencyP95Ms)/100)
			issues = append(issues, fmt.Sprintf("%s p95 latency: %dms", m.Name, *p95))
		}
	}
	if mean := report.MTTA.MeanMinutes; mean != nil && *mean > report.MTTA.TargetMinutes {
		score -= math.Min(20, (*mean-report.MTTA.TargetMinutes)/5)
		issues = append(issues, fmt.Sprintf("MTTA: %.1fmin", *mean))
	}
	if mean := report.MTTR.MeanMinutes; mean != nil && *mean > report.MTTR.TargetMinutes {
		score -= math.Min(20, (*mean-report.MTTR.TargetMinutes)/60*5)
		issues = append(issues, fmt.Sprintf("MTTR: %.1fh", *mean/60))
	}

	final := int(math.Max(0, math.Round(score)))
	return &HealthScore{
		ProjectID: projectID,
		Score:     final,
		Status:    scoreStatus(final),
		Issues:    issues,
		Window:    HealthScoreWindow.String(),
	}, nil
}

func scoreStatus(score int) string {
	switch {
	case score >= 90:
		return "excellent"
	case score >= 70:
		return "good"
	case score >= 50:
		return "degraded"
	default:
		return "critical"
	}
}

func breached(met *bool) bool {
	return met != nil && !*met
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
