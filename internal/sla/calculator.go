package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/leozw/uptime-sentinel/internal/db"
)

type Report struct {
	MonitorID        string    `json:"monitor_id"`
	ProjectID        string    `json:"project_id,omitempty"`
	PeriodStart      time.Time `json:"period_start"`
	PeriodEnd        time.Time `json:"period_end"`
	TotalProbes      int       `json:"total_probes"`
	SuccessfulProbes int       `json:"successful_probes"`
	FailedProbes     int       `json:"failed_probes"`
	UptimePercentage float64   `json:"uptime_percentage"`
	DowntimeMinutes  int       `json:"downtime_minutes"`
	AverageLatencyMs *int64    `json:"average_latency_ms"`
}

// Report calculates the SLA of a monitor over [start, end] from stored
// results, so it also covers periods older than the in-memory window.
func (s *Store) Report(ctx context.Context, monitorID string, start, end time.Time) (*Report, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("period end must be after start")
	}

	monitor, err := s.db.GetMonitor(ctx, monitorID)
	if err != nil {
		return nil, fmt.Errorf("failed to get monitor: %w", err)
	}

	results, err := s.db.ListProbeResults(ctx, db.ProbeFilter{MonitorID: monitorID, Since: start, Until: end})
	if err != nil {
		return nil, fmt.Errorf("failed to get probe results: %w", err)
	}
	if len(results) == 0 {
		return nil, ErrNoData
	}

	report := &Report{
		MonitorID:   monitorID,
		ProjectID:   monitor.ProjectID,
		PeriodStart: start,
		PeriodEnd:   end,
		TotalProbes: len(results),
	}

	var totalLatency, timed int64
	for _, r := range results {
		if s.policy.Healthy(*r) {
			report.SuccessfulProbes++
		} else {
			report.FailedProbes++
		}
		if ms, ok := r.Latency(); ok {
			totalLatency += ms
			timed++
		}
	}

	report.UptimePercentage = float64(report.SuccessfulProbes) / float64(report.TotalProbes) * 100
	report.DowntimeMinutes = s.downtimeMinutes(results, end)
	if timed > 0 {
		avg := totalLatency / timed
		report.AverageLatencyMs = &avg
	}

	return report, nil
}

// MonthlyReport covers one calendar month in UTC.
func (s *Store) MonthlyReport(ctx context.Context, monitorID string, year int, month time.Month) (*Report, error) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return s.Report(ctx, monitorID, start, start.AddDate(0, 1, 0).Add(-time.Second))
}

// downtimeMinutes sums the spans between the first down probe of a run and
// the next up probe. A run still down at the end of the period counts up to end.
func (s *Store) downtimeMinutes(results []*core.ProbeResult, end time.Time) int {
	var total time.Duration
	inDowntime := false
	var downSince time.Time

	for _, r := range results {
		up := s.policy.Healthy(*r)
		switch {
		case !up && !inDowntime:
			inDowntime = true
			downSince = r.CheckedAt
		case up && inDowntime:
			inDowntime = false
			total += r.CheckedAt.Sub(downSince)
		}
	}
	if inDowntime && end.After(downSince) {
		total += end.Sub(downSince)
	}

	return int(total.Minutes())
}
