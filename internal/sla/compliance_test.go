package sla

import (
	"context"
	"testing"
	"time"

	"github.com/leozw/uptime-sentinel/internal/config"
	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/leozw/uptime-sentinel/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvaluator(t *testing.T) (*Evaluator, *Store, *db.MemoryStore) {
	t.Helper()
	s, mem := newStore(t)
	e := NewEvaluator(s, mem, TargetsFromConfig(config.SLAConfig{}))
	e.now = s.now
	return e, s, mem
}

type incidentFixture struct {
	id       string
	project  string
	started  time.Duration
	ack      time.Duration
	resolved time.Duration
}

// addIncidents stores incidents whose times are offsets from the evaluator
// clock; started is how long ago, ack and resolved are delays after start.
func addIncidents(t *testing.T, e *Evaluator, mem *db.MemoryStore, fixtures ...incidentFixture) {
	t.Helper()
	now := e.now()
	require.NoError(t, mem.WithTx(context.Background(), func(tx db.Tx) error {
		for _, f := range fixtures {
			started := now.Add(-f.started)
			i := &core.Incident{
				ID: f.id, ProjectID: f.project, Source: core.SourceManual, Severity: core.SeverityCritical,
				Status: core.IncidentOpen, Title: f.id, StartedAt: started, UpdatedAt: started,
			}
			if f.ack > 0 {
				at := started.Add(f.ack)
				i.AcknowledgedAt = &at
				i.Status = core.IncidentAcknowledged
			}
			if f.resolved > 0 {
				at := started.Add(f.resolved)
				i.ResolvedAt = &at
				i.Status = core.IncidentResolved
			}
			if err := tx.CreateIncident(context.Background(), i); err != nil {
				return err
			}
		}
		return nil
	}))
}

func recordAll(t *testing.T, s *Store, results ...core.ProbeResult) {
	t.Helper()
	for _, r := range results {
		require.NoError(t, s.Record(context.Background(), r))
	}
}

func TestTargetsFromConfig(t *testing.T) {
	def := TargetsFromConfig(config.SLAConfig{})
	assert.Equal(t, "Standard", def.Name)
	assert.Equal(t, 99.9, def.UptimePercent)
	assert.Equal(t, int64(500), def.LatencyP95Ms)
	assert.Equal(t, 15*time.Minute, def.AckTarget)
	assert.Equal(t, 4*time.Hour, def.ResolutionTarget)

	custom := TargetsFromConfig(config.SLAConfig{Name: "Gold", UptimeTarget: 99.99, LatencyP95Ms: 200})
	assert.Equal(t, "Gold", custom.Name)
	assert.Equal(t, 99.99, custom.UptimePercent)
	assert.Equal(t, int64(200), custom.LatencyP95Ms)
	assert.Equal(t, 15.0, custom.View().AckTargetMinutes)
	assert.Equal(t, 4.0, custom.View().ResolutionTargetHours)
}

func TestUptimeAndLatencyCompliance(t *testing.T) {
	e, s, _ := newEvaluator(t)
	recordAll(t, s,
		ok(0, 200, 10),
		ok(time.Minute, 200, 20),
		ok(2*time.Minute, 503, 900),
		failed(3*time.Minute),
	)

	u := e.Uptime("m1", time.Hour)
	assert.Equal(t, 4, u.TotalProbes)
	assert.Equal(t, 2, u.SuccessfulProbes)
	assert.Equal(t, 2, u.FailedProbes)
	require.NotNil(t, u.UptimePercentage)
	assert.Equal(t, 50.0, *u.UptimePercentage)
	require.NotNil(t, u.Met)
	assert.False(t, *u.Met)
	assert.InDelta(t, -49.9, *u.BreachMargin, 0.0001)

	l := e.Latency("m1", time.Hour)
	assert.Equal(t, 3, l.Samples)
	assert.Equal(t, int64(10), *l.MinMs)
	assert.Equal(t, int64(20), *l.P50Ms)
	assert.Equal(t, int64(900), *l.P95Ms)
	assert.Equal(t, int64(900), *l.MaxMs)
	assert.Equal(t, 310.0, *l.AvgMs)
	require.NotNil(t, l.Met)
	assert.False(t, *l.Met)

	empty := e.Uptime("m2", time.Hour)
	assert.Nil(t, empty.UptimePercentage)
	assert.Nil(t, empty.Met)
	assert.Nil(t, e.Latency("m2", time.Hour).Met)
}

func TestIncidentResponseTimes(t *testing.T) {
	e, _, mem := newEvaluator(t)
	addIncidents(t, e, mem,
		incidentFixture{id: "i1", project: "p1", started: 3 * time.Hour, ack: 10 * time.Minute, resolved: time.Hour},
		incidentFixture{id: "i2", project: "p1", started: 2 * time.Hour, ack: 30 * time.Minute},
		incidentFixture{id: "old", project: "p1", started: 40 * 24 * time.Hour, ack: time.Minute, resolved: 2 * time.Minute},
		incidentFixture{id: "other", project: "p2", started: time.Hour, ack: 5 * time.Minute},
	)
	ctx := context.Background()

	tests := []struct {
		name      string
		project   string
		calc      func(context.Context, string, time.Duration) (*ResponseStats, error)
		incidents int
		mean      *float64
		breaches  int
		met       *bool
	}{
		{"mtta", "p1", e.MTTA, 2, ptr(20.0), 1, ptr(false)},
		{"mttr", "p1", e.MTTR, 1, ptr(60.0), 0, ptr(true)},
		{"mtta all projects", "", e.MTTA, 3, ptr(15.0), 1, ptr(false)},
		{"no incidents", "p3", e.MTTR, 0, nil, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats, err := tt.calc(ctx, tt.project, DefaultComplianceWindow)
			require.NoError(t, err)
			assert.Equal(t, tt.incidents, stats.Incidents)
			assert.Equal(t, tt.mean, stats.MeanMinutes)
			assert.Equal(t, tt.breaches, stats.Breaches)
			assert.Equal(t, tt.met, stats.Met)
		})
	}

	mtta, err := e.MTTA(ctx, "p1", DefaultComplianceWindow)
	require.NoError(t, err)
	assert.Equal(t, 10.0, *mtta.MinMinutes)
	assert.Equal(t, 30.0, *mtta.MaxMinutes)
	assert.Equal(t, 15.0, mtta.TargetMinutes)
}

func TestComplianceReport(t *testing.T) {
	e, s, mem := newEvaluator(t)
	recordAll(t, s, ok(0, 200, 10), ok(time.Minute, 200, 12), ok(2*time.Minute, 200, 14))
	ctx := context.Background()

	report, err := e.Compliance(ctx, "p1", DefaultComplianceWindow)
	require.NoError(t, err)
	require.Len(t, report.Monitors, 1)
	assert.Equal(t, "api", report.Monitors[0].Name)
	assert.True(t, *report.Monitors[0].Uptime.Met)
	assert.True(t, *report.Monitors[0].Latency.Met)
	assert.Nil(t, report.MTTA.Met)
	assert.True(t, report.Compliant)
	assert.Equal(t, 99.9, report.Targets.UptimePercent)

	addIncidents(t, e, mem, incidentFixture{id: "i1", project: "p1", started: time.Hour, ack: 45 * time.Minute})

	report, err = e.Compliance(ctx, "p1", DefaultComplianceWindow)
	require.NoError(t, err)
	assert.False(t, *report.MTTA.Met)
	assert.False(t, report.Compliant)

	other, err := e.Compliance(ctx, "p2", DefaultComplianceWindow)
	require.NoError(t, err)
	assert.Empty(t, other.Monitors)
	assert.True(t, other.Compliant)
}

func TestHealthScore(t *testing.T) {
	e, s, mem := newEvaluator(t)
	ctx := context.Background()

	perfect, err := e.HealthScore(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 100, perfect.Score)
	assert.Equal(t, "excellent", perfect.Status)
	assert.Empty(t, perfect.Issues)

	recordAll(t, s,
		ok(0, 200, 10),
		ok(time.Minute, 200, 20),
		ok(2*time.Minute, 503, 900),
		failed(3*time.Minute),
	)
	addIncidents(t, e, mem, incidentFixture{id: "i1", project: "p1", started: time.Hour, ack: 30 * time.Minute})

	// uptime -40, p95 (900ms) -4, MTTA (30min) -3
	score, err := e.HealthScore(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 53, score.Score)
	assert.Equal(t, "degraded", score.Status)
	assert.Len(t, score.Issues, 3)
	assert.Equal(t, "24h0m0s", score.Window)
}

func TestScoreStatus(t *testing.T) {
	tests := []struct {
		score int
		want  string
	}{
		{100, "excellent"},
		{90, "excellent"},
		{89, "good"},
		{70, "good"},
		{50, "degraded"},
		{49, "critical"},
		{0, "critical"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, scoreStatus(tt.score), tt.score)
	}
}

func ptr[T any](v T) *T {
	return &v
}
