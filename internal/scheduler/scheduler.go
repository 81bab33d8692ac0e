package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/leozw/uptime-sentinel/internal/checks"
	"github.com/leozw/uptime-sentinel/internal/config"
	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/leozw/uptime-sentinel/internal/db"
	"github.com/leozw/uptime-sentinel/internal/incidents"
	"github.com/leozw/uptime-sentinel/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrNotScheduled   = errors.New("monitor is not scheduled")
	ErrMonitorRemoved = errors.New("monitor was removed")
	ErrStaleResult    = errors.New("probe result superseded by a newer probe")
	ErrRateLimited    = errors.New("check-now rate limit exceeded")
	ErrStopped        = errors.New("scheduler stopped")
	ErrGraceExceeded  = errors.New("in-flight probes abandoned after shutdown grace period")
	ErrProbeCancelled = errors.New("probe cancelled before completion")
)

const (
	DefaultShutdownGrace = 10 * time.Second
	DefaultCheckNowRate  = 0.2
	DefaultCheckNowBurst = 3
)

type Prober interface {
	TargetFor(m *core.Monitor, unit time.Duration) checks.Target
	Probe(ctx context.Context, target checks.Target) core.ProbeResult
}

// Applier turns a probe result into monitor and incident state.
type Applier interface {
	Apply(ctx context.Context, result core.ProbeResult) (*incidents.Outcome, error)
}

// Recorder keeps the probe history used for uptime and latency.
type Recorder interface {
	Record(ctx context.Context, result core.ProbeResult) error
	Forget(monitorID string)
}

type Options struct {
	// Unit scales monitor intervals; production uses time.Second.
	Unit          time.Duration
	ShutdownGrace time.Duration
	CheckNowRate  rate.Limit
	CheckNowBurst int
}

func OptionsFromConfig(cfg config.SchedulerConfig) Options {
	return Options{
		Unit:          time.Second,
		ShutdownGrace: cfg.ShutdownGrace,
		CheckNowRate:  rate.Limit(cfg.CheckNowRate),
		CheckNowBurst: cfg.CheckNowBurst,
	}
}

// Scheduler owns one worker per monitor. Add, Update and Remove are the
// only mutation points of the worker map.
type Scheduler struct {
	prober   Prober
	applier  Applier
	recorder Recorder
	metrics  *metrics.Collector
	logger   *zap.Logger
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}

	mu      sync.Mutex
	workers map[string]*worker
	stopped bool
	wg      sync.WaitGroup
}

func New(prober Prober, applier Applier, recorder Recorder, collector *metrics.Collector, logger *zap.Logger, opts Options) *Scheduler {
	if opts.Unit <= 0 {
		opts.Unit = time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if opts.CheckNowRate <= 0 {
		opts.CheckNowRate = DefaultCheckNowRate
	}
	if opts.CheckNowBurst <= 0 {
		opts.CheckNowBurst = DefaultCheckNowBurst
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		prober:   prober,
		applier:  applier,
		recorder: recorder,
		metrics:  collector,
		logger:   logger,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		quit:     make(chan struct{}),
		workers:  make(map[string]*worker),
	}
}

// Start schedules every stored monitor.
func (s *Scheduler) Start(ctx context.Context, store db.Queries) error {
	monitors, err := store.ListMonitors(ctx, db.MonitorFilter{})
	if err != nil {
		return fmt.Errorf("failed to load monitors: %w", err)
	}

	s.logger.Info("Starting scheduler", zap.Int("monitors", len(monitors)))
	for _, m := range monitors {
		if err := s.Add(m); err != nil {
			return err
		}
	}
	return nil
}

// Add schedules a monitor with its first probe fired immediately. Adding a
// monitor that is already scheduled updates it instead.
func (s *Scheduler) Add(m *core.Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if w, ok := s.workers[m.ID]; ok {
		w.update(m)
		return nil
	}

	w := newWorker(s, m)
	s.workers[m.ID] = w
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.run()
	}()

	s.metrics.SetScheduled(len(s.workers))
	s.logger.Debug("Scheduled monitor",
		zap.String("monitor_id", m.ID),
		zap.Duration("interval", m.Every(s.opts.Unit)),
	)
	return nil
}

// Update swaps the monitor definition used by future probes. A changed
// interval takes effect from the start of the last probe.
func (s *Scheduler) Update(m *core.Monitor) error {
	s.mu.Lock()
	w, ok := s.workers[m.ID]
	s.mu.Unlock()
	if !ok {
		return s.Add(m)
	}
	w.update(m)
	return nil
}

// Remove cancels all future probes of a monitor. The result of a probe
// already in flight is discarded when it arrives.
func (s *Scheduler) Remove(monitorID string) {
	s.mu.Lock()
	w, ok := s.workers[monitorID]
	if ok {
		delete(s.workers, monitorID)
	}
	n := len(s.workers)
	s.mu.Unlock()

	if !ok {
		return
	}
	w.remove()

	s.recorder.Forget(monitorID)
	s.metrics.ForgetMonitor(monitorID)
	s.metrics.SetScheduled(n)
	s.logger.Debug("Unscheduled monitor", zap.String("monitor_id", monitorID))
}

// CheckNow probes a monitor out of band and applies the result through the
// same path as scheduled probes. The regular cadence is not touched. When ctx
// ends before the probe completes the result is dropped and
// ErrProbeCancelled is returned.
func (s *Scheduler) CheckNow(ctx context.Context, monitorID string) (core.ProbeResult, *incidents.Outcome, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return core.ProbeResult{}, nil, ErrStopped
	}
	w, ok := s.workers[monitorID]
	if !ok {
		s.mu.Unlock()
		return core.ProbeResult{}, nil, ErrNotScheduled
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if !w.limiter.Allow() {
		return core.ProbeResult{}, nil, ErrRateLimited
	}
	return w.execute(ctx, "manual")
}

func (s *Scheduler) Scheduled(monitorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[monitorID]
	return ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Stop halts all timers and gives in-flight probes the shutdown grace
// period to finish before cancelling them.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.quit)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.opts.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
		s.cancel()
		s.logger.Info("Scheduler stopped")
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	s.cancel()
	s.logger.Warn("Abandoning in-flight probes", zap.Duration("grace", s.opts.ShutdownGrace))
	return ErrGraceExceeded
}
