package sla

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/leozw/uptime-sentinel/internal/config"
	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/leozw/uptime-sentinel/internal/db"
	"go.uber.org/zap"
)

var (
	ErrNoData            = errors.New("no probe data in window")
	ErrInvalidPercentile = errors.New("percentile must be between 0 and 100")
)

const (
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

type sample struct {
	at      time.Time
	up      bool
	latency int64
	timed   bool
}

// Store keeps a time ordered window of probe outcomes per monitor in memory
// and persists every result through the database store. Window queries are
// answered from memory only.
type Store struct {
	mu      sync.RWMutex
	samples map[string][]sample

	db        db.Store
	policy    core.StatusPolicy
	retention time.Duration
	sweep     time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewStore(store db.Store, policy core.StatusPolicy, cfg config.RetentionConfig, logger *zap.Logger) *Store {
	retention := cfg.ProbeResults
	if retention <= 0 {
		retention = DefaultRetention
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	return &Store{
		samples:   make(map[string][]sample),
		db:        store,
		policy:    policy,
		retention: retention,
		sweep:     sweep,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Record persists the result and adds it to the in-memory window.
func (s *Store) Record(ctx context.Context, r core.ProbeResult) error {
	if s.db != nil {
		if err := s.db.SaveProbeResult(ctx, &r); err != nil {
			return fmt.Errorf("failed to save probe result: %w", err)
		}
	}
	s.add(r)
	return nil
}

func (s *Store) add(r core.ProbeResult) {
	smp := sample{at: r.CheckedAt, up: s.policy.Healthy(r)}
	if ms, ok := r.Latency(); ok {
		smp.latency = ms
		smp.timed = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.samples[r.MonitorID]
	i := sort.Search(len(list), func(i int) bool { return list[i].at.After(smp.at) })
	list = append(list, sample{})
	copy(list[i+1:], list[i:])
	list[i] = smp
	s.samples[r.MonitorID] = list
}

// window returns a copy of the samples recorded within window of now.
func (s *Store) window(monitorID string, window time.Duration) []sample {
	since := s.now().Add(-window)

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.samples[monitorID]
	i := sort.Search(len(list), func(i int) bool { return !list[i].at.Before(since) })
	out := make([]sample, len(list)-i)
	copy(out, list[i:])
	return out
}

// UptimeRatio is the fraction of probes in the window classified up, in [0,1].
func (s *Store) UptimeRatio(monitorID string, window time.Duration) (float64, error) {
	samples := s.window(monitorID, window)
	if len(samples) == 0 {
		return 0, ErrNoData
	}
	up := 0
	for _, smp := range samples {
		if smp.up {
			up++
		}
	}
	return float64(up) / float64(len(samples)), nil
}

// LatencyPercentile uses the nearest-rank method over probes that carry a latency.
func (s *Store) LatencyPercentile(monitorID string, window time.Duration, p float64) (int64, error) {
	if p < 0 || p > 100 || math.IsNaN(p) {
		return 0, ErrInvalidPercentile
	}
	latencies := s.latencies(monitorID, window)
	if len(latencies) == 0 {
		return 0, ErrNoData
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	rank := int(math.Ceil(p * float64(len(latencies)) / 100))
	if rank < 1 {
		rank = 1
	}
	return latencies[rank-1], nil
}

func (s *Store) AverageLatency(monitorID string, window time.Duration) (float64, error) {
	latencies := s.latencies(monitorID, window)
	if len(latencies) == 0 {
		return 0, ErrNoData
	}
	var total int64
	for _, l := range latencies {
		total += l
	}
	return float64(total) / float64(len(latencies)), nil
}

// Totals are raw window counters that callers can sum across monitors.
type Totals struct {
	Probes     int
	Up         int
	Timed      int
	LatencySum int64
}

func (s *Store) Totals(monitorID string, window time.Duration) Totals {
	var t Totals
	for _, smp := range s.window(monitorID, window) {
		t.Probes++
		if smp.up {
			t.Up++
		}
		if smp.timed {
			t.Timed++
			t.LatencySum += smp.latency
		}
	}
	return t
}

func (s *Store) latencies(monitorID string, window time.Duration) []int64 {
	samples := s.window(monitorID, window)
	out := make([]int64, 0, len(samples))
	for _, smp := range samples {
		if smp.timed {
			out = append(out, smp.latency)
		}
	}
	return out
}

// WindowStats summarises one monitor over a window. Nil fields mean no data.
type WindowStats struct {
	Window      string            `json:"window"`
	Probes      int               `json:"probes"`
	UptimeRatio *float64          `json:"uptime_ratio"`
	Percentiles map[string]*int64 `json:"latency_percentiles_ms"`
}

func (s *Store) Stats(monitorID string, window time.Duration, percentiles []float64) (*WindowStats, error) {
	stats := &WindowStats{
		Window:      window.String(),
		Probes:      len(s.window(monitorID, window)),
		Percentiles: make(map[string]*int64, len(percentiles)),
	}

	if ratio, err := s.UptimeRatio(monitorID, window); err == nil {
		stats.UptimeRatio = &ratio
	} else if !errors.Is(err, ErrNoData) {
		return nil, err
	}

	for _, p := range percentiles {
		key := fmt.Sprintf("p%g", p)
		v, err := s.LatencyPercentile(monitorID, window, p)
		switch {
		case err == nil:
			stats.Percentiles[key] = &v
		case errors.Is(err, ErrNoData):
			stats.Percentiles[key] = nil
		default:
			return nil, err
		}
	}
	return stats, nil
}

// Forget drops the in-memory history of a removed monitor.
func (s *Store) Forget(monitorID string) {
	s.mu.Lock()
	delete(s.samples, monitorID)
	s.mu.Unlock()
}

// Prune removes results older than before from memory and storage.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	for id, list := range s.samples {
		i := sort.Search(len(list), func(i int) bool { return !list[i].at.Before(before) })
		if i == len(list) {
			delete(s.samples, id)
			continue
		}
		if i > 0 {
			s.samples[id] = append([]sample(nil), list[i:]...)
		}
	}
	s.mu.Unlock()

	if s.db == nil {
		return 0, nil
	}
	n, err := s.db.PruneProbeResults(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune probe results: %w", err)
	}
	return n, nil
}

// Warm loads the retained history from storage.
func (s *Store) Warm(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	results, err := s.db.ListProbeResults(ctx, db.ProbeFilter{Since: s.now().Add(-s.retention)})
	if err != nil {
		return fmt.Errorf("failed to load probe results: %w", err)
	}
	for _, r := range results {
		s.add(*r)
	}
	s.logger.Info("Warmed probe history", zap.Int("results", len(results)))
	return nil
}

// StartRetention prunes expired results every sweep interval until ctx ends.
func (s *Store) StartRetention(ctx context.Context) {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Prune(ctx, s.now().Add(-s.retention))
			if err != nil {
				s.logger.Error("Failed to prune probe results", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("Pruned probe results", zap.Int64("deleted", n))
			}
		}
	}
}
