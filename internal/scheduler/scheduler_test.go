package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leozw/uptime-sentinel/internal/audit"
	"github.com/leozw/uptime-sentinel/internal/checks"
	"github.com/leozw/uptime-sentinel/internal/config"
	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/leozw/uptime-sentinel/internal/db"
	"github.com/leozw/uptime-sentinel/internal/incidents"
	"github.com/leozw/uptime-sentinel/internal/sla"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	store *db.MemoryStore
	sched *Scheduler

	mu    sync.Mutex
	calls map[string]int
}

func newHarness(t *testing.T, opts Options, runner func(ctx context.Context, target checks.Target, call int) core.ProbeResult) *harness {
	t.Helper()
	h := &harness{store: db.NewMemoryStore(), calls: make(map[string]int)}

	exec := checks.NewExecutor(time.Second, map[core.MonitorKind]checks.Runner{
		core.KindHTTP: checks.RunnerFunc(func(ctx context.Context, target checks.Target) core.ProbeResult {
			h.mu.Lock()
			h.calls[target.MonitorID]++
			n := h.calls[target.MonitorID]
			h.mu.Unlock()
			return runner(ctx, target, n)
		}),
	})

	logger := zap.NewNop()
	policy := core.NewStatusPolicy(500)
	manager := incidents.NewManager(h.store, audit.NewLedger(h.store, logger), policy, nil, nil, logger)
	recorder := sla.NewStore(h.store, policy, config.RetentionConfig{}, logger)

	if opts.Unit == 0 {
		opts.Unit = time.Millisecond
	}
	h.sched = New(exec, manager, recorder, nil, logger, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.sched.Stop(ctx)
	})
	return h
}

func (h *harness) monitor(t *testing.T, id string, interval int) *core.Monitor {
	t.Helper()
	m := &core.Monitor{
		ID: id, Name: id, Kind: core.KindHTTP, URL: "https://" + id + ".example.com",
		Interval: interval, Status: core.StatusUnknown, CreatedAt: time.Now(),
	}
	require.NoError(t, h.store.WithTx(context.Background(), func(tx db.Tx) error {
		return tx.CreateMonitor(context.Background(), m)
	}))
	return m
}

func (h *harness) count(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[id]
}

func (h *harness) incidents(t *testing.T, id string) []*core.Incident {
	t.Helper()
	list, err := h.store.ListIncidents(context.Background(), db.IncidentFilter{MonitorID: id})
	require.NoError(t, err)
	return list
}

func healthy(ctx context.Context, target checks.Target, call int) core.ProbeResult {
	return core.HTTPSuccess(target.MonitorID, time.Now(), 200, time.Millisecond)
}

func TestFirstProbeIsImmediate(t *testing.T) {
	h := newHarness(t, Options{}, healthy)
	m := h.monitor(t, "m1", 3600)

	require.NoError(t, h.sched.Add(m))
	assert.Eventually(t, func() bool {
		got, err := h.store.GetMonitor(context.Background(), "m1")
		return err == nil && got.Status == core.StatusUp
	}, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, h.count("m1"))
	assert.True(t, h.sched.Scheduled("m1"))
	assert.Equal(t, 1, h.sched.Len())
}

func TestSlowMonitorDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, Options{}, func(ctx context.Context, target checks.Target, call int) core.ProbeResult {
		if target.MonitorID == "slow" {
			<-release
		}
		return core.HTTPSuccess(target.MonitorID, time.Now(), 200, time.Millisecond)
	})
	t.Cleanup(func() { close(release) })

	require.NoError(t, h.sched.Add(h.monitor(t, "slow", 10)))
	require.NoError(t, h.sched.Add(h.monitor(t, "fast", 10)))

	assert.Eventually(t, func() bool { return h.count("fast") >= 4 }, 2*time.Second, 5*time.Millisecond)
	// no overlapping probes for the hung monitor
	assert.Equal(t, 1, h.count("slow"))
}

func TestRemoveDiscardsInFlightResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	h := newHarness(t, Options{}, func(ctx context.Context, target checks.Target, call int) core.ProbeResult {
		close(started)
		<-release
		return core.Failure(target.MonitorID, time.Now(), "connection refused")
	})
	require.NoError(t, h.sched.Add(h.monitor(t, "m1", 3600)))

	<-started
	h.sched.Remove("m1")
	assert.False(t, h.sched.Scheduled("m1"))
	h.sched.Remove("m1")
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.sched.Stop(ctx))

	got, err := h.store.GetMonitor(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusUnknown, got.Status)
	assert.Empty(t, h.incidents(t, "m1"))

	results, err := h.store.ListProbeResults(context.Background(), db.ProbeFilter{MonitorID: "m1"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestResultForDeletedMonitorIsDropped(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	h := newHarness(t, Options{}, func(ctx context.Context, target checks.Target, call int) core.ProbeResult {
		if call == 1 {
			close(started)
			<-release
		}
		return core.Failure(target.MonitorID, time.Now(), "connection refused")
	})
	require.NoError(t, h.sched.Add(h.monitor(t, "m1", 3600)))
	<-started

	// deleted from storage while the scheduler still holds it
	require.NoError(t, h.store.WithTx(context.Background(), func(tx db.Tx) error {
		return tx.DeleteMonitor(context.Background(), "m1")
	}))
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.sched.Stop(ctx))

	_, err := h.store.GetMonitor(context.Background(), "m1")
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Empty(t, h.incidents(t, "m1"))
}

func TestCheckNow(t *testing.T) {
	h := newHarness(t, Options{CheckNowRate: 0.001, CheckNowBurst: 2}, func(ctx context.Context, target checks.Target, call int) core.ProbeResult {
		if call == 1 {
			return core.HTTPSuccess(target.MonitorID, time.Now(), 200, time.Millisecond)
		}
		return core.HTTPSuccess(target.MonitorID, time.Now(), 502, time.Millisecond)
	})
	require.NoError(t, h.sched.Add(h.monitor(t, "m1", 3600)))
	assert.Eventually(t, func() bool { return h.count("m1") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	ctx := context.Background()
	result, outcome, err := h.sched.CheckNow(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, result.StatusCode)
	assert.Equal(t, 502, *result.StatusCode)
	assert.Equal(t, core.StatusDown, outcome.Status)
	require.NotNil(t, outcome.Opened)

	_, _, err = h.sched.CheckNow(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, h.incidents(t, "m1"), 1)

	_, _, err = h.sched.CheckNow(ctx, "m1")
	assert.ErrorIs(t, err, ErrRateLimited)

	_, _, err = h.sched.CheckNow(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotScheduled)

	// the regular schedule was not reset by the manual checks
	assert.Equal(t, 3, h.count("m1"))
}

func TestStaleResultIsDiscarded(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	h := newHarness(t, Options{}, func(ctx context.Context, target checks.Target, call int) core.ProbeResult {
		if call == 1 {
			close(started)
			<-release
			return core.Failure(target.MonitorID, time.Now(), "timeout after 5s")
		}
		return core.HTTPSuccess(target.MonitorID, time.Now(), 200, time.Millisecond)
	})
	require.NoError(t, h.sched.Add(h.monitor(t, "m1", 3600)))
	<-started

	_, outcome, err := h.sched.CheckNow(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusUp, outcome.Status)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.sched.Stop(ctx))

	got, err := h.store.GetMonitor(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusUp, got.Status)
	assert.Empty(t, h.incidents(t, "m1"))
}

func TestConcurrentCheckNowAndScheduledOpenOneIncident(t *testing.T) {
	h := newHarness(t, Options{CheckNowBurst: 10}, func(ctx context.Context, target checks.Target, call int) core.ProbeResult {
		return core.Failure(target.MonitorID, time.Now(), "connection refused")
	})
	require.NoError(t, h.sched.Add(h.monitor(t, "m1", 3600)))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = h.sched.CheckNow(context.Background(), "m1")
		}()
	}
	wg.Wait()
	assert.Eventually(t, func() bool { return h.count("m1") == 6 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.sched.Stop(ctx))

	assert.Len(t, h.incidents(t, "m1"), 1)
	entries, err := h.store.ListAudit(context.Background(), db.AuditFilter{EntityType: core.EntityIncident, Action: core.ActionCreate})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestUpdateIntervalReschedules(t *testing.T) {
	h := newHarness(t, Options{}, healthy)
	m := h.monitor(t, "m1", 3600)
	require.NoError(t, h.sched.Add(m))
	assert.Eventually(t, func() bool { return h.count("m1") == 1 }, time.Second, 5*time.Millisecond)

	faster := m.Clone()
	faster.Interval = 10
	require.NoError(t, h.sched.Update(faster))

	assert.Eventually(t, func() bool { return h.count("m1") >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestStopAbandonsHungProbesAfterGrace(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	var started int32
	h := newHarness(t, Options{ShutdownGrace: 20 * time.Millisecond}, func(ctx context.Context, target checks.Target, call int) core.ProbeResult {
		atomic.StoreInt32(&started, 1)
		<-release
		return core.Failure(target.MonitorID, time.Now(), "x")
	})
	require.NoError(t, h.sched.Add(h.monitor(t, "m1", 3600)))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&started) == 1 }, time.Second, time.Millisecond)

	begin := time.Now()
	err := h.sched.Stop(context.Background())
	assert.ErrorIs(t, err, ErrGraceExceeded)
	assert.Less(t, time.Since(begin), 500*time.Millisecond)

	assert.ErrorIs(t, h.sched.Add(h.monitor(t, "m2", 60)), ErrStopped)
	_, _, err = h.sched.CheckNow(context.Background(), "m1")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStartLoadsStoredMonitors(t *testing.T) {
	h := newHarness(t, Options{}, healthy)
	h.monitor(t, "a", 3600)
	h.monitor(t, "b", 3600)

	require.NoError(t, h.sched.Start(context.Background(), h.store))
	assert.Equal(t, 2, h.sched.Len())
	assert.Eventually(t, func() bool { return h.count("a") == 1 && h.count("b") == 1 }, time.Second, 5*time.Millisecond)
}

func TestCancelledCheckNowIsNotApplied(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, Options{}, func(ctx context.Context, target checks.Target, call int) core.ProbeResult {
		if call == 1 {
			return core.HTTPSuccess(target.MonitorID, time.Now(), 200, time.Millisecond)
		}
		close(started)
		<-ctx.Done()
		return core.Failure(target.MonitorID, time.Now(), "probe cancelled")
	})
	require.NoError(t, h.sched.Add(h.monitor(t, "m1", 3600)))
	assert.Eventually(t, func() bool {
		results, err := h.store.ListProbeResults(context.Background(), db.ProbeFilter{MonitorID: "m1"})
		return err == nil && len(results) == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, outcome, err := h.sched.CheckNow(ctx, "m1")
	assert.ErrorIs(t, err, ErrProbeCancelled)
	assert.Nil(t, outcome)

	got, err := h.store.GetMonitor(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusUp, got.Status)
	assert.Empty(t, h.incidents(t, "m1"))

	results, err := h.store.ListProbeResults(context.Background(), db.ProbeFilter{MonitorID: "m1"})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.True(t, h.sched.Scheduled("m1"))
}

func TestShutdownCancelledCheckIsNotApplied(t *testing.T) {
	returned := make(chan struct{})
	var started int32
	h := newHarness(t, Options{ShutdownGrace: 20 * time.Millisecond}, func(ctx context.Context, target checks.Target, call int) core.ProbeResult {
		atomic.StoreInt32(&started, 1)
		defer close(returned)
		<-ctx.Done()
		return core.Failure(target.MonitorID, time.Now(), "probe cancelled")
	})
	require.NoError(t, h.sched.Add(h.monitor(t, "m1", 3600)))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&started) == 1 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, h.sched.Stop(context.Background()), ErrGraceExceeded)
	<-returned

	assert.Never(t, func() bool {
		got, err := h.store.GetMonitor(context.Background(), "m1")
		if err != nil || got.Status != core.StatusUnknown {
			return true
		}
		open, err := h.store.GetOpenIncident(context.Background(), "m1")
		return err == nil && open != nil
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, h.incidents(t, "m1"))

	results, err := h.store.ListProbeResults(context.Background(), db.ProbeFilter{MonitorID: "m1"})
	require.NoError(t, err)
	assert.Empty(t, results)
}
