package db

import (
	"context"
	"errors"
	"time"

	"github.com/leozw/uptime-sentinel/internal/core"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert would break the
	// one-open-incident-per-monitor constraint.
	ErrConflict = errors.New("conflict")
)

type MonitorFilter struct {
	ProjectID string
}

type IncidentFilter struct {
	ProjectID string
	MonitorID string
	Status    core.IncidentStatus
	OpenOnly  bool
	// StartedSince keeps incidents that started at or after it.
	StartedSince time.Time
	Limit        int
}

type ProbeFilter struct {
	// MonitorID may be empty to select every monitor.
	MonitorID string
	Since     time.Time
	Until     time.Time
	Limit     int
	// Newest returns the most recent results first.
	Newest bool
}

type AuditFilter struct {
	EntityType  core.EntityType
	EntityID    string
	EntityTypes []core.EntityType
	Action      core.AuditAction
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
	Newest      bool
}

type AuditStats struct {
	Total    int64            `json:"total"`
	ByAction map[string]int64 `json:"by_action"`
	ByEntity map[string]int64 `json:"by_entity_type"`
	Recent   int64            `json:"recent"`
}

// Queries are the reads available both inside and outside a transaction.
type Queries interface {
	GetMonitor(ctx context.Context, id string) (*core.Monitor, error)
	ListMonitors(ctx context.Context, f MonitorFilter) ([]*core.Monitor, error)
	GetIncident(ctx context.Context, id string) (*core.Incident, error)
	// GetOpenIncident returns ErrNotFound when the monitor has no open incident.
	GetOpenIncident(ctx context.Context, monitorID string) (*core.Incident, error)
	ListIncidents(ctx context.Context, f IncidentFilter) ([]*core.Incident, error)
	ListAudit(ctx context.Context, f AuditFilter) ([]*core.AuditEntry, error)
}

// Tx groups state mutations with their audit entries so that either
// both persist or neither does.
type Tx interface {
	Queries
	CreateMonitor(ctx context.Context, m *core.Monitor) error
	UpdateMonitor(ctx context.Context, m *core.Monitor) error
	UpdateMonitorStatus(ctx context.Context, id string, status core.MonitorStatus, checkedAt time.Time) error
	DeleteMonitor(ctx context.Context, id string) error
	CreateIncident(ctx context.Context, i *core.Incident) error
	UpdateIncident(ctx context.Context, i *core.Incident) error
	AppendAudit(ctx context.Context, e *core.AuditEntry) error
}

type Store interface {
	Queries
	// WithTx commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	SaveProbeResult(ctx context.Context, r *core.ProbeResult) error
	ListProbeResults(ctx context.Context, f ProbeFilter) ([]*core.ProbeResult, error)
	PruneProbeResults(ctx context.Context, before time.Time) (int64, error)
	AuditStats(ctx context.Context, since time.Time) (*AuditStats, error)
	Ping(ctx context.Context) error
	Close() error
}
