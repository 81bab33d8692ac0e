package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/leozw/uptime-sentinel/internal/core"
)

// MemoryStore keeps everything in process. Transactions hold the write
// lock for their whole duration and undo their writes on failure.
type MemoryStore struct {
	mu       sync.RWMutex
	monitors map[string]*core.Monitor
	incident map[string]*core.Incident
	results  []*core.ProbeResult
	audit    []*core.AuditEntry
	seq      int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		monitors: make(map[string]*core.Monitor),
		incident: make(map[string]*core.Incident),
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

func (s *MemoryStore) GetMonitor(ctx context.Context, id string) (*core.Monitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getMonitor(id)
}

func (s *MemoryStore) ListMonitors(ctx context.Context, f MonitorFilter) ([]*core.Monitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listMonitors(f), nil
}

func (s *MemoryStore) GetIncident(ctx context.Context, id string) (*core.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getIncident(id)
}

func (s *MemoryStore) GetOpenIncident(ctx context.Context, monitorID string) (*core.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getOpenIncident(monitorID)
}

func (s *MemoryStore) ListIncidents(ctx context.Context, f IncidentFilter) ([]*core.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listIncidents(f), nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, f AuditFilter) ([]*core.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listAudit(f), nil
}

func (s *MemoryStore) SaveProbeResult(ctx context.Context, r *core.ProbeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.monitors[r.MonitorID]; !ok {
		return ErrNotFound
	}
	c := *r
	s.results = append(s.results, &c)
	return nil
}

func (s *MemoryStore) ListProbeResults(ctx context.Context, f ProbeFilter) ([]*core.ProbeResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*core.ProbeResult{}
	for _, r := range s.results {
		if f.MonitorID != "" && r.MonitorID != f.MonitorID {
			continue
		}
		if !f.Since.IsZero() && r.CheckedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && r.CheckedAt.After(f.Until) {
			continue
		}
		c := *r
		out = append(out, &c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if f.Newest {
			return out[i].CheckedAt.After(out[j].CheckedAt)
		}
		return out[i].CheckedAt.Before(out[j].CheckedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) PruneProbeResults(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.results[:0]
	var pruned int64
	for _, r := range s.results {
		if r.CheckedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	s.results = kept
	return pruned, nil
}

func (s *MemoryStore) AuditStats(ctx context.Context, since time.Time) (*AuditStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &AuditStats{
		Total:    int64(len(s.audit)),
		ByAction: make(map[string]int64),
		ByEntity: make(map[string]int64),
	}
	for _, e := range s.audit {
		stats.ByAction[string(e.Action)]++
		stats.ByEntity[string(e.EntityType)]++
		if !e.RecordedAt.Before(since) {
			stats.Recent++
		}
	}
	return stats, nil
}

// unlocked helpers, shared with memTx

func (s *MemoryStore) getMonitor(id string) (*core.Monitor, error) {
	m, ok := s.monitors[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) listMonitors(f MonitorFilter) []*core.Monitor {
	out := []*core.Monitor{}
	for _, m := range s.monitors {
		if f.ProjectID != "" && m.ProjectID != f.ProjectID {
			continue
		}
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) getIncident(id string) (*core.Incident, error) {
	i, ok := s.incident[id]
	if !ok {
		return nil, ErrNotFound
	}
	return i.Clone(), nil
}

func (s *MemoryStore) getOpenIncident(monitorID string) (*core.Incident, error) {
	for _, i := range s.incident {
		if i.MonitorID != nil && *i.MonitorID == monitorID && i.IsOpen() {
			return i.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) listIncidents(f IncidentFilter) []*core.Incident {
	out := []*core.Incident{}
	for _, i := range s.incident {
		if f.ProjectID != "" && i.ProjectID != f.ProjectID {
			continue
		}
		if f.MonitorID != "" && (i.MonitorID == nil || *i.MonitorID != f.MonitorID) {
			continue
		}
		if f.Status != "" && i.Status != f.Status {
			continue
		}
		if f.OpenOnly && !i.IsOpen() {
			continue
		}
		if !f.StartedSince.IsZero() && i.StartedAt.Before(f.StartedSince) {
			continue
		}
		out = append(out, i.Clone())
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].StartedAt.After(out[b].StartedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (s *MemoryStore) listAudit(f AuditFilter) []*core.AuditEntry {
	var types map[core.EntityType]bool
	if len(f.EntityTypes) > 0 {
		types = make(map[core.EntityType]bool, len(f.EntityTypes))
		for _, t := range f.EntityTypes {
			types[t] = true
		}
	}

	out := []*core.AuditEntry{}
	for _, e := range s.audit {
		if f.EntityType != "" && e.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		if types != nil && !types[e.EntityType] {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Since != nil && e.RecordedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.RecordedAt.After(*f.Until) {
			continue
		}
		c := *e
		out = append(out, &c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if f.Newest {
			return out[j].Before(out[i])
		}
		return out[i].Before(out[j])
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []*core.AuditEntry{}
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) GetMonitor(ctx context.Context, id string) (*core.Monitor, error) {
	return t.s.getMonitor(id)
}

func (t *memTx) ListMonitors(ctx context.Context, f MonitorFilter) ([]*core.Monitor, error) {
	return t.s.listMonitors(f), nil
}

func (t *memTx) GetIncident(ctx context.Context, id string) (*core.Incident, error) {
	return t.s.getIncident(id)
}

func (t *memTx) GetOpenIncident(ctx context.Context, monitorID string) (*core.Incident, error) {
	return t.s.getOpenIncident(monitorID)
}

func (t *memTx) ListIncidents(ctx context.Context, f IncidentFilter) ([]*core.Incident, error) {
	return t.s.listIncidents(f), nil
}

func (t *memTx) ListAudit(ctx context.Context, f AuditFilter) ([]*core.AuditEntry, error) {
	return t.s.listAudit(f), nil
}

func (t *memTx) CreateMonitor(ctx context.Context, m *core.Monitor) error {
	if _, ok := t.s.monitors[m.ID]; ok {
		return ErrConflict
	}
	t.s.monitors[m.ID] = m.Clone()
	t.undo = append(t.undo, func() { delete(t.s.monitors, m.ID) })
	return nil
}

func (t *memTx) UpdateMonitor(ctx context.Context, m *core.Monitor) error {
	prev, ok := t.s.monitors[m.ID]
	if !ok {
		return ErrNotFound
	}
	next := prev.Clone()
	next.Name = m.Name
	next.Kind = m.Kind
	next.URL = m.URL
	next.Interval = m.Interval
	next.UpdatedAt = m.UpdatedAt
	t.s.monitors[m.ID] = next
	t.undo = append(t.undo, func() { t.s.monitors[m.ID] = prev })
	return nil
}

func (t *memTx) UpdateMonitorStatus(ctx context.Context, id string, status core.MonitorStatus, checkedAt time.Time) error {
	prev, ok := t.s.monitors[id]
	if !ok {
		return ErrNotFound
	}
	next := prev.Clone()
	next.Status = status
	at := checkedAt
	next.LastCheckAt = &at
	t.s.monitors[id] = next
	t.undo = append(t.undo, func() { t.s.monitors[id] = prev })
	return nil
}

func (t *memTx) DeleteMonitor(ctx context.Context, id string) error {
	prev, ok := t.s.monitors[id]
	if !ok {
		return ErrNotFound
	}
	delete(t.s.monitors, id)

	// probe results cascade with the monitor
	prevResults := t.s.results
	kept := make([]*core.ProbeResult, 0, len(prevResults))
	for _, r := range prevResults {
		if r.MonitorID != id {
			kept = append(kept, r)
		}
	}
	t.s.results = kept

	t.undo = append(t.undo, func() {
		t.s.monitors[id] = prev
		t.s.results = prevResults
	})
	return nil
}

func (t *memTx) CreateIncident(ctx context.Context, i *core.Incident) error {
	if i.MonitorID != nil && i.IsOpen() {
		if _, err := t.s.getOpenIncident(*i.MonitorID); err == nil {
			return ErrConflict
		}
	}
	if _, ok := t.s.incident[i.ID]; ok {
		return ErrConflict
	}
	t.s.incident[i.ID] = i.Clone()
	t.undo = append(t.undo, func() { delete(t.s.incident, i.ID) })
	return nil
}

func (t *memTx) UpdateIncident(ctx context.Context, i *core.Incident) error {
	prev, ok := t.s.incident[i.ID]
	if !ok {
		return ErrNotFound
	}
	next := prev.Clone()
	next.Severity = i.Severity
	next.Status = i.Status
	next.Title = i.Title
	next.Description = i.Description
	next.AcknowledgedAt = i.AcknowledgedAt
	next.ResolvedAt = i.ResolvedAt
	next.UpdatedAt = i.UpdatedAt
	next = next.Clone()
	t.s.incident[i.ID] = next
	t.undo = append(t.undo, func() { t.s.incident[i.ID] = prev })
	return nil
}

func (t *memTx) AppendAudit(ctx context.Context, e *core.AuditEntry) error {
	t.s.seq++
	e.Seq = t.s.seq
	c := *e
	t.s.audit = append(t.s.audit, &c)

	n := len(t.s.audit)
	t.undo = append(t.undo, func() {
		t.s.audit = t.s.audit[:n-1]
		t.s.seq--
	})
	return nil
}
