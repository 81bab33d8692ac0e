package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMonitor(t *testing.T, s *MemoryStore, id string) *core.Monitor {
	t.Helper()
	m := &core.Monitor{
		ID:        id,
		Name:      id,
		Kind:      core.KindHTTP,
		URL:       "https://example.com",
		Interval:  60,
		Status:    core.StatusUnknown,
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.WithTx(context.Background(), func(tx Tx) error {
		return tx.CreateMonitor(context.Background(), m)
	}))
	return m
}

func TestMemoryTxRollback(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedMonitor(t, s, "m1")

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.UpdateMonitorStatus(ctx, "m1", core.StatusDown, time.Now()))
		require.NoError(t, tx.AppendAudit(ctx, &core.AuditEntry{ID: "a1", EntityType: core.EntityMonitor, EntityID: "m1", Action: core.ActionTransition, RecordedAt: time.Now()}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	m, err := s.GetMonitor(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusUnknown, m.Status)
	assert.Nil(t, m.LastCheckAt)

	entries, err := s.ListAudit(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	// seq is reused after rollback
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		e := &core.AuditEntry{ID: "a2", EntityType: core.EntityMonitor, EntityID: "m1", Action: core.ActionUpdate, RecordedAt: time.Now()}
		require.NoError(t, tx.AppendAudit(ctx, e))
		assert.Equal(t, int64(1), e.Seq)
		return nil
	}))
}

func TestMemoryOneOpenIncidentPerMonitor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedMonitor(t, s, "m1")
	monitorID := "m1"

	create := func(id string) error {
		return s.WithTx(ctx, func(tx Tx) error {
			return tx.CreateIncident(ctx, &core.Incident{
				ID: id, MonitorID: &monitorID, Status: core.IncidentOpen,
				Severity: core.SeverityCritical, StartedAt: time.Now(),
			})
		})
	}

	require.NoError(t, create("i1"))
	assert.ErrorIs(t, create("i2"), ErrConflict)

	open, err := s.GetOpenIncident(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "i1", open.ID)

	now := time.Now()
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		open.Status = core.IncidentResolved
		open.ResolvedAt = &now
		return tx.UpdateIncident(ctx, open)
	}))

	require.NoError(t, create("i3"))
	list, err := s.ListIncidents(ctx, IncidentFilter{MonitorID: "m1"})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedMonitor(t, s, "m1")

	m, err := s.GetMonitor(ctx, "m1")
	require.NoError(t, err)
	m.Name = "mutated"

	again, err := s.GetMonitor(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", again.Name)
}

func TestMemoryAuditOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		for i, ts := range []time.Time{at.Add(time.Minute), at, at} {
			e := &core.AuditEntry{ID: string(rune('a' + i)), EntityType: core.EntityIncident, EntityID: "i1", Action: core.ActionUpdate, RecordedAt: ts}
			if err := tx.AppendAudit(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	asc, err := s.ListAudit(ctx, AuditFilter{EntityType: core.EntityIncident, EntityID: "i1"})
	require.NoError(t, err)
	require.Len(t, asc, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{asc[0].ID, asc[1].ID, asc[2].ID})

	desc, err := s.ListAudit(ctx, AuditFilter{Newest: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, "a", desc[0].ID)
	assert.Equal(t, "c", desc[1].ID)
}

func TestMemoryProbeResults(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedMonitor(t, s, "m1")
	seedMonitor(t, s, "m2")
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		r := core.HTTPSuccess("m1", base.Add(time.Duration(i)*time.Minute), 200, time.Millisecond)
		r.ID = string(rune('a' + i))
		require.NoError(t, s.SaveProbeResult(ctx, &r))
	}
	r := core.Failure("m2", base, "timeout")
	require.NoError(t, s.SaveProbeResult(ctx, &r))

	orphan := core.Failure("nope", base, "timeout")
	assert.ErrorIs(t, s.SaveProbeResult(ctx, &orphan), ErrNotFound)

	latest, err := s.ListProbeResults(ctx, ProbeFilter{MonitorID: "m1", Newest: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "e", latest[0].ID)

	n, err := s.PruneProbeResults(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		return tx.DeleteMonitor(ctx, "m1")
	}))
	left, err := s.ListProbeResults(ctx, ProbeFilter{})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestMemoryAuditStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		_ = tx.AppendAudit(ctx, &core.AuditEntry{ID: "1", EntityType: core.EntityMonitor, Action: core.ActionCreate, RecordedAt: now.Add(-48 * time.Hour)})
		_ = tx.AppendAudit(ctx, &core.AuditEntry{ID: "2", EntityType: core.EntityIncident, Action: core.ActionCreate, RecordedAt: now})
		_ = tx.AppendAudit(ctx, &core.AuditEntry{ID: "3", EntityType: core.EntityIncident, Action: core.ActionTransition, RecordedAt: now})
		return nil
	}))

	stats, err := s.AuditStats(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.Recent)
	assert.Equal(t, int64(2), stats.ByAction["create"])
	assert.Equal(t, int64(2), stats.ByEntity["incident"])
}
