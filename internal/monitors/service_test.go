package monitors

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leozw/uptime-sentinel/internal/audit"
	"github.com/leozw/uptime-sentinel/internal/checks"
	"github.com/leozw/uptime-sentinel/internal/config"
	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/leozw/uptime-sentinel/internal/db"
	"github.com/leozw/uptime-sentinel/internal/incidents"
	"github.com/leozw/uptime-sentinel/internal/scheduler"
	"github.com/leozw/uptime-sentinel/internal/sla"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	store   *db.MemoryStore
	ledger  *audit.Ledger
	sched   *scheduler.Scheduler
	service *Service
	down    atomic.Bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: db.NewMemoryStore()}

	exec := checks.NewExecutor(time.Second, map[core.MonitorKind]checks.Runner{
		core.KindHTTP: checks.RunnerFunc(func(ctx context.Context, target checks.Target) core.ProbeResult {
			if f.down.Load() {
				return core.HTTPSuccess(target.MonitorID, time.Now().UTC(), 503, 4*time.Millisecond)
			}
			return core.HTTPSuccess(target.MonitorID, time.Now().UTC(), 200, 4*time.Millisecond)
		}),
	})

	logger := zap.NewNop()
	policy := core.NewStatusPolicy(500)
	f.ledger = audit.NewLedger(f.store, logger)
	manager := incidents.NewManager(f.store, f.ledger, policy, nil, nil, logger)
	slaStore := sla.NewStore(f.store, policy, config.RetentionConfig{}, logger)
	f.sched = scheduler.New(exec, manager, slaStore, nil, logger, scheduler.Options{Unit: time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.sched.Stop(ctx)
	})

	f.service = NewService(f.store, f.ledger, manager, f.sched, slaStore, nil, logger)
	return f
}

func (f *fixture) create(t *testing.T) *core.Monitor {
	t.Helper()
	m, err := f.service.Create(context.Background(), CreateInput{
		ProjectID: "p1",
		Name:      " API ",
		URL:       "https://api.example.com/health",
		Interval:  60,
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) waitStatus(t *testing.T, id string, want core.MonitorStatus) {
	t.Helper()
	assert.Eventually(t, func() bool {
		m, err := f.store.GetMonitor(context.Background(), id)
		return err == nil && m.Status == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCreateRegistersAndSchedules(t *testing.T) {
	f := newFixture(t)
	m := f.create(t)

	assert.Equal(t, "API", m.Name)
	assert.Equal(t, core.KindHTTP, m.Kind)
	assert.Equal(t, core.StatusUnknown, m.Status)
	assert.True(t, f.sched.Scheduled(m.ID))

	history, err := f.ledger.History(context.Background(), core.EntityMonitor, m.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, core.ActionCreate, history[0].Action)

	f.waitStatus(t, m.ID, core.StatusUp)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Create(context.Background(), CreateInput{
		Name:     "bad",
		URL:      "ftp://example.com",
		Interval: 0,
	})
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Problems, "url")
	assert.Contains(t, verr.Problems, "interval")

	list, err := f.service.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, 0, f.sched.Len())

	entries, err := f.ledger.List(context.Background(), db.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUpdateAppliesPartialChanges(t *testing.T) {
	f := newFixture(t)
	m := f.create(t)

	interval := 120
	updated, err := f.service.Update(context.Background(), m.ID, UpdateInput{Interval: &interval})
	require.NoError(t, err)
	assert.Equal(t, 120, updated.Interval)
	assert.Equal(t, m.Name, updated.Name)
	assert.Equal(t, m.URL, updated.URL)

	entries, err := f.ledger.List(context.Background(), db.AuditFilter{
		EntityType: core.EntityMonitor,
		EntityID:   m.ID,
		Action:     core.ActionUpdate,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, string(entries[0].OldValue), `"interval":60`)
	assert.Contains(t, string(entries[0].NewValue), `"interval":120`)
}

func TestUpdateValidationLeavesMonitorUnchanged(t *testing.T) {
	f := newFixture(t)
	m := f.create(t)

	bad := "not a url"
	_, err := f.service.Update(context.Background(), m.ID, UpdateInput{URL: &bad})
	assert.ErrorIs(t, err, &core.ValidationError{})

	got, err := f.service.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.URL, got.URL)

	name := "x"
	_, err = f.service.Update(context.Background(), "missing", UpdateInput{Name: &name})
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestDeleteResolvesOpenIncident(t *testing.T) {
	f := newFixture(t)
	f.down.Store(true)
	m := f.create(t)
	f.waitStatus(t, m.ID, core.StatusDown)

	open, err := f.store.GetOpenIncident(context.Background(), m.ID)
	require.NoError(t, err)

	require.NoError(t, f.service.Delete(context.Background(), m.ID))
	assert.False(t, f.sched.Scheduled(m.ID))

	_, err = f.service.Get(context.Background(), m.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)

	incident, err := f.store.GetIncident(context.Background(), open.ID)
	require.NoError(t, err)
	assert.Equal(t, core.IncidentResolved, incident.Status)
	assert.NotNil(t, incident.ResolvedAt)

	entries, err := f.ledger.List(context.Background(), db.AuditFilter{
		EntityType: core.EntityMonitor,
		EntityID:   m.ID,
		Action:     core.ActionDelete,
	})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	assert.ErrorIs(t, f.service.Delete(context.Background(), m.ID), db.ErrNotFound)
}

func TestCheckNowOpensIncident(t *testing.T) {
	f := newFixture(t)
	m := f.create(t)
	f.waitStatus(t, m.ID, core.StatusUp)

	f.down.Store(true)
	res, err := f.service.CheckNow(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, core.StatusDown, res.Outcome.Status)
	require.NotNil(t, res.Outcome.Opened)
	assert.Contains(t, res.Outcome.Opened.Title, "HTTP 503")

	st, err := f.service.Status(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDown, st.Monitor.Status)
	require.NotNil(t, st.OpenIncident)
	assert.Equal(t, res.Outcome.Opened.ID, st.OpenIncident.ID)
	require.NotNil(t, st.Uptime24h)
	assert.InDelta(t, 0.5, *st.Uptime24h, 0.001)
	assert.True(t, st.Scheduled)

	_, err = f.service.CheckNow(context.Background(), "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestResultsAndMetrics(t *testing.T) {
	f := newFixture(t)
	m := f.create(t)
	f.waitStatus(t, m.ID, core.StatusUp)

	_, err := f.service.CheckNow(context.Background(), m.ID)
	require.NoError(t, err)

	results, err := f.service.Results(context.Background(), m.ID, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)

	stats, err := f.service.Metrics(context.Background(), m.ID, time.Hour, []float64{50})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Probes)
	require.NotNil(t, stats.UptimeRatio)
	assert.InDelta(t, 1.0, *stats.UptimeRatio, 0.001)
	require.NotNil(t, stats.Percentiles["p50"])
	assert.Equal(t, int64(4), *stats.Percentiles["p50"])

	_, err = f.service.Results(context.Background(), "missing", 10)
	assert.ErrorIs(t, err, db.ErrNotFound)
}
