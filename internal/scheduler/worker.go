package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/leozw/uptime-sentinel/internal/incidents"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// worker drives the probes of one monitor. Every probe, scheduled or
// manual, takes the next sequence number; a result is applied only if no
// later-issued result has been applied before it.
type worker struct {
	s       *Scheduler
	logger  *zap.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	mu      sync.Mutex
	monitor *core.Monitor
	issued  uint64
	removed bool

	// applyMu serialises apply so sequence checks and state writes happen
	// in one step.
	applyMu sync.Mutex
	applied uint64
}

func newWorker(s *Scheduler, m *core.Monitor) *worker {
	ctx, cancel := context.WithCancel(s.ctx)
	return &worker{
		s:       s,
		logger:  s.logger.With(zap.String("monitor_id", m.ID)),
		limiter: rate.NewLimiter(s.opts.CheckNowRate, s.opts.CheckNowBurst),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		monitor: m.Clone(),
	}
}

func (w *worker) interval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.monitor.Every(w.s.opts.Unit)
}

func (w *worker) run() {
	timer := time.NewTimer(0)
	defer timer.Stop()

	var lastStart time.Time
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.s.quit:
			return
		case <-w.wake:
			if lastStart.IsZero() {
				continue
			}
			timer.Reset(until(lastStart.Add(w.interval())))
		case <-timer.C:
			lastStart = time.Now()
			if _, _, err := w.execute(w.ctx, "scheduled"); errors.Is(err, ErrMonitorRemoved) {
				return
			}
			timer.Reset(until(lastStart.Add(w.interval())))
		}
	}
}

func until(t time.Time) time.Duration {
	d := time.Until(t)
	if d < 0 {
		return 0
	}
	return d
}

func (w *worker) update(m *core.Monitor) {
	w.mu.Lock()
	changed := w.monitor.Interval != m.Interval
	w.monitor = m.Clone()
	w.mu.Unlock()

	if changed {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

func (w *worker) remove() {
	w.mu.Lock()
	w.removed = true
	w.mu.Unlock()
	w.cancel()
}

// execute runs one probe. The probe runs without holding any lock so a
// slow target never blocks Update or Remove.
func (w *worker) execute(ctx context.Context, trigger string) (core.ProbeResult, *incidents.Outcome, error) {
	w.mu.Lock()
	if w.removed {
		w.mu.Unlock()
		return core.ProbeResult{}, nil, ErrMonitorRemoved
	}
	w.issued++
	seq := w.issued
	monitor := w.monitor.Clone()
	w.mu.Unlock()

	probeCtx, cancel := context.WithCancel(w.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	w.s.metrics.ProbeStarted()
	start := time.Now()
	result := w.s.prober.Probe(probeCtx, w.s.prober.TargetFor(monitor, w.s.opts.Unit))
	duration := time.Since(start)
	w.s.metrics.ProbeFinished()

	// The executor's own timeout lives on a child context, so probeCtx only
	// ends when the caller, a removal or the shutdown abandoned the probe.
	if probeCtx.Err() != nil {
		return result, nil, w.abandon(seq, trigger)
	}

	outcome, err := w.apply(seq, monitor, result, duration)
	if err != nil {
		return result, nil, err
	}

	w.logger.Debug("Probe applied",
		zap.String("trigger", trigger),
		zap.Uint64("seq", seq),
		zap.String("outcome", string(result.Outcome)),
		zap.String("status", string(outcome.Status)),
		zap.Duration("duration", duration),
	)
	return result, outcome, nil
}

func (w *worker) abandon(seq uint64, trigger string) error {
	w.mu.Lock()
	removed := w.removed
	w.mu.Unlock()

	if removed {
		w.s.metrics.RecordDiscarded("removed")
		return ErrMonitorRemoved
	}
	w.s.metrics.RecordDiscarded("cancelled")
	w.logger.Debug("Discarding cancelled probe", zap.String("trigger", trigger), zap.Uint64("seq", seq))
	return ErrProbeCancelled
}

func (w *worker) apply(seq uint64, monitor *core.Monitor, result core.ProbeResult, duration time.Duration) (*incidents.Outcome, error) {
	w.applyMu.Lock()
	defer w.applyMu.Unlock()

	w.mu.Lock()
	removed := w.removed
	w.mu.Unlock()

	if removed {
		w.s.metrics.RecordDiscarded("removed")
		return nil, ErrMonitorRemoved
	}
	if seq <= w.applied {
		w.s.metrics.RecordDiscarded("stale")
		w.logger.Debug("Discarding stale probe result", zap.Uint64("seq", seq), zap.Uint64("applied", w.applied))
		return nil, ErrStaleResult
	}
	w.applied = seq

	// state writes must not be cut short by a removal or shutdown
	ctx := context.WithoutCancel(w.ctx)

	outcome, err := w.s.applier.Apply(ctx, result)
	if errors.Is(err, incidents.ErrMonitorGone) {
		w.s.metrics.RecordDiscarded("removed")
		return nil, ErrMonitorRemoved
	}
	if err != nil {
		w.logger.Error("Failed to apply probe result", zap.Error(err))
		return nil, err
	}

	if err := w.s.recorder.Record(ctx, result); err != nil {
		w.logger.Warn("Failed to record probe result", zap.Error(err))
	}
	if outcome.Monitor != nil {
		monitor = outcome.Monitor
	}
	w.s.metrics.RecordProbe(monitor, result, outcome.Status, duration)

	return outcome, nil
}
