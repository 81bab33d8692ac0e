package monitors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/uptime-sentinel/internal/audit"
	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/leozw/uptime-sentinel/internal/db"
	"github.com/leozw/uptime-sentinel/internal/incidents"
	"github.com/leozw/uptime-sentinel/internal/metrics"
	"github.com/leozw/uptime-sentinel/internal/scheduler"
	"github.com/leozw/uptime-sentinel/internal/sla"
	"go.uber.org/zap"
)

const (
	DefaultResultsLimit = 50
	MaxResultsLimit     = 1000
)

// Service registers monitors: validate, persist with an audit entry, then
// hand the monitor to the scheduler.
type Service struct {
	store     db.Store
	ledger    *audit.Ledger
	manager   *incidents.Manager
	scheduler *scheduler.Scheduler
	sla       *sla.Store
	metrics   *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(store db.Store, ledger *audit.Ledger, manager *incidents.Manager, sched *scheduler.Scheduler, slaStore *sla.Store, collector *metrics.Collector, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		ledger:    ledger,
		manager:   manager,
		scheduler: sched,
		sla:       slaStore,
		metrics:   collector,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type CreateInput struct {
	ProjectID string           `json:"project_id"`
	Name      string           `json:"name"`
	Kind      core.MonitorKind `json:"kind"`
	URL       string           `json:"url"`
	Interval  int              `json:"interval"`
}

// UpdateInput carries only the fields to change.
type UpdateInput struct {
	Name     *string           `json:"name"`
	Kind     *core.MonitorKind `json:"kind"`
	URL      *string           `json:"url"`
	Interval *int              `json:"interval"`
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*core.Monitor, error) {
	now := s.now()
	m := &core.Monitor{
		ID:        uuid.New().String(),
		ProjectID: in.ProjectID,
		Name:      in.Name,
		Kind:      in.Kind,
		URL:       in.URL,
		Interval:  in.Interval,
		Status:    core.StatusUnknown,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.Normalize()
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var entry *core.AuditEntry
	err := s.store.WithTx(ctx, func(tx db.Tx) error {
		if err := tx.CreateMonitor(ctx, m); err != nil {
			return fmt.Errorf("failed to create monitor: %w", err)
		}
		var err error
		entry, err = s.ledger.Record(ctx, tx, core.EntityMonitor, m.ID, core.ActionCreate, nil, m)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordAudit(entry)

	if err := s.scheduler.Add(m); err != nil {
		s.logger.Warn("Monitor created but not scheduled", zap.String("monitor_id", m.ID), zap.Error(err))
	}

	s.logger.Info("Monitor created",
		zap.String("monitor_id", m.ID),
		zap.String("project_id", m.ProjectID),
		zap.String("url", m.URL),
	)
	return m, nil
}

func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*core.Monitor, error) {
	var next *core.Monitor
	var entry *core.AuditEntry

	err := s.manager.Locked(ctx, id, func(tx db.Tx) error {
		cur, err := tx.GetMonitor(ctx, id)
		if err != nil {
			return err
		}

		next = cur.Clone()
		if in.Name != nil {
			next.Name = *in.Name
		}
		if in.Kind != nil {
			next.Kind = *in.Kind
		}
		if in.URL != nil {
			next.URL = *in.URL
		}
		if in.Interval != nil {
			next.Interval = *in.Interval
		}
		next.Normalize()
		if err := next.Validate(); err != nil {
			return err
		}
		next.UpdatedAt = s.now()

		if err := tx.UpdateMonitor(ctx, next); err != nil {
			return fmt.Errorf("failed to update monitor: %w", err)
		}
		entry, err = s.ledger.Record(ctx, tx, core.EntityMonitor, id, core.ActionUpdate, cur, next)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordAudit(entry)

	if err := s.scheduler.Update(next); err != nil {
		s.logger.Warn("Monitor updated but not rescheduled", zap.String("monitor_id", id), zap.Error(err))
	}
	return next, nil
}

// Delete removes the monitor, resolves its open incident and stops its
// probes. Probe results cascade with the monitor; incidents are kept.
func (s *Service) Delete(ctx context.Context, id string) error {
	var entry *core.AuditEntry
	err := s.manager.Retire(ctx, id, func(tx db.Tx) error {
		cur, err := tx.GetMonitor(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteMonitor(ctx, id); err != nil {
			return fmt.Errorf("failed to delete monitor: %w", err)
		}
		entry, err = s.ledger.Record(ctx, tx, core.EntityMonitor, id, core.ActionDelete, cur, nil)
		return err
	})
	if err != nil {
		return err
	}
	s.metrics.RecordAudit(entry)
	s.scheduler.Remove(id)

	s.logger.Info("Monitor deleted", zap.String("monitor_id", id))
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*core.Monitor, error) {
	return s.store.GetMonitor(ctx, id)
}

func (s *Service) List(ctx context.Context, projectID string) ([]*core.Monitor, error) {
	return s.store.ListMonitors(ctx, db.MonitorFilter{ProjectID: projectID})
}

type CheckResult struct {
	Result  core.ProbeResult   `json:"result"`
	Applied bool               `json:"applied"`
	Outcome *incidents.Outcome `json:"outcome,omitempty"`
}

// CheckNow runs an out-of-band probe. A result overtaken by a newer probe
// is returned with Applied false.
func (s *Service) CheckNow(ctx context.Context, id string) (*CheckResult, error) {
	if _, err := s.store.GetMonitor(ctx, id); err != nil {
		return nil, err
	}

	result, outcome, err := s.scheduler.CheckNow(ctx, id)
	switch {
	case errors.Is(err, scheduler.ErrStaleResult):
		return &CheckResult{Result: result}, nil
	case errors.Is(err, scheduler.ErrMonitorRemoved):
		return nil, db.ErrNotFound
	case err != nil:
		return nil, err
	}
	return &CheckResult{Result: result, Applied: true, Outcome: outcome}, nil
}

type Status struct {
	Monitor      *core.Monitor  `json:"monitor"`
	OpenIncident *core.Incident `json:"open_incident"`
	Uptime24h    *float64       `json:"uptime_24h"`
	Scheduled    bool           `json:"scheduled"`
}

func (s *Service) Status(ctx context.Context, id string) (*Status, error) {
	m, err := s.store.GetMonitor(ctx, id)
	if err != nil {
		return nil, err
	}

	st := &Status{Monitor: m, Scheduled: s.scheduler.Scheduled(id)}

	open, err := s.store.GetOpenIncident(ctx, id)
	switch {
	case err == nil:
		st.OpenIncident = open
	case !errors.Is(err, db.ErrNotFound):
		return nil, err
	}

	if ratio, err := s.sla.UptimeRatio(id, 24*time.Hour); err == nil {
		st.Uptime24h = &ratio
	}
	return st, nil
}

func (s *Service) Metrics(ctx context.Context, id string, window time.Duration, percentiles []float64) (*sla.WindowStats, error) {
	if _, err := s.store.GetMonitor(ctx, id); err != nil {
		return nil, err
	}
	return s.sla.Stats(id, window, percentiles)
}

func (s *Service) Results(ctx context.Context, id string, limit int) ([]*core.ProbeResult, error) {
	if _, err := s.store.GetMonitor(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultResultsLimit
	}
	if limit > MaxResultsLimit {
		limit = MaxResultsLimit
	}
	return s.store.ListProbeResults(ctx, db.ProbeFilter{MonitorID: id, Limit: limit, Newest: true})
}

func (s *Service) SLA(ctx context.Context, id string, start, end time.Time) (*sla.Report, error) {
	return s.sla.Report(ctx, id, start, end)
}

// MonthlySLA reports one calendar month in UTC.
func (s *Service) MonthlySLA(ctx context.Context, id string, year int, month time.Month) (*sla.Report, error) {
	return s.sla.MonthlyReport(ctx, id, year, month)
}
