package incidents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/uptime-sentinel/internal/audit"
	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/leozw/uptime-sentinel/internal/db"
	"github.com/leozw/uptime-sentinel/internal/metrics"
	"github.com/leozw/uptime-sentinel/internal/notify"
	"go.uber.org/zap"
)

// ErrMonitorGone is returned by Apply when the monitor no longer exists.
var ErrMonitorGone = errors.New("monitor no longer exists")

// Emitter is the fire-and-forget hook of the notification layer.
type Emitter interface {
	Emit(event notify.Event)
}

// Manager is the per-monitor incident state machine. Every decision for a
// monitor runs under that monitor's lock and inside one transaction with
// its audit entries.
type Manager struct {
	store   db.Store
	ledger  *audit.Ledger
	policy  core.StatusPolicy
	emitter Emitter
	metrics *metrics.Collector
	logger  *zap.Logger
	locks   *keyedMutex
	now     func() time.Time
}

func NewManager(store db.Store, ledger *audit.Ledger, policy core.StatusPolicy, emitter Emitter, collector *metrics.Collector, logger *zap.Logger) *Manager {
	return &Manager{
		store:   store,
		ledger:  ledger,
		policy:  policy,
		emitter: emitter,
		metrics: collector,
		logger:  logger,
		locks:   newKeyedMutex(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Outcome describes what one probe result changed.
type Outcome struct {
	Monitor  *core.Monitor      `json:"monitor"`
	Previous core.MonitorStatus `json:"previous_status"`
	Status   core.MonitorStatus `json:"status"`
	Opened   *core.Incident     `json:"opened,omitempty"`
	Resolved *core.Incident     `json:"resolved,omitempty"`
}

func (o *Outcome) Changed() bool {
	return o.Previous != o.Status
}

// Apply feeds one probe result through the state machine. An incident is
// opened only on a transition into Down, so a monitor whose incident was
// resolved manually while it kept failing stays down without an open
// incident until it recovers and fails again.
func (m *Manager) Apply(ctx context.Context, result core.ProbeResult) (*Outcome, error) {
	unlock := m.locks.lock(result.MonitorID)
	defer unlock()

	var out *Outcome
	var entries []*core.AuditEntry

	err := m.store.WithTx(ctx, func(tx db.Tx) error {
		out, entries = nil, nil

		monitor, err := tx.GetMonitor(ctx, result.MonitorID)
		if errors.Is(err, db.ErrNotFound) {
			return ErrMonitorGone
		}
		if err != nil {
			return fmt.Errorf("failed to get monitor: %w", err)
		}

		open, err := openIncident(ctx, tx, monitor.ID)
		if err != nil {
			return err
		}

		target := m.policy.Classify(result)
		o := &Outcome{Previous: monitor.Status, Status: target}

		if err := tx.UpdateMonitorStatus(ctx, monitor.ID, target, result.CheckedAt); err != nil {
			return fmt.Errorf("failed to update monitor status: %w", err)
		}
		after := monitor.Clone()
		after.Status = target
		checkedAt := result.CheckedAt
		after.LastCheckAt = &checkedAt
		o.Monitor = after

		if o.Changed() {
			entry, err := m.ledger.Record(ctx, tx, core.EntityMonitor, monitor.ID, core.ActionTransition,
				statusSnapshot(monitor), statusSnapshot(after))
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}

		switch {
		case target == core.StatusDown && open == nil && monitor.Status != core.StatusDown:
			incident := m.newProbeIncident(monitor, result)
			err := tx.CreateIncident(ctx, incident)
			if errors.Is(err, db.ErrConflict) {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to create incident: %w", err)
			}
			entry, err := m.ledger.Record(ctx, tx, core.EntityIncident, incident.ID, core.ActionCreate, nil, incident)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			o.Opened = incident

		case target == core.StatusUp && open != nil && (monitor.Status != core.StatusUp || open.Source == core.SourceProbe):
			resolved, entry, err := m.resolve(ctx, tx, open, result.CheckedAt)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			o.Resolved = resolved
		}

		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.metrics.RecordAudit(entries...)
	if out.Opened != nil {
		m.metrics.RecordIncidentOpened(out.Opened)
		m.emit(out.Opened, notify.TransitionOpened, out.Opened.StartedAt)
		m.logger.Info("Opened incident",
			zap.String("incident_id", out.Opened.ID),
			zap.String("monitor_id", result.MonitorID),
			zap.String("reason", out.Opened.Description),
		)
	}
	if out.Resolved != nil {
		m.metrics.RecordIncidentResolved(out.Resolved)
		m.emit(out.Resolved, notify.TransitionResolved, *out.Resolved.ResolvedAt)
		m.logger.Info("Resolved incident",
			zap.String("incident_id", out.Resolved.ID),
			zap.String("monitor_id", result.MonitorID),
			zap.Duration("downtime", out.Resolved.ResolvedAt.Sub(out.Resolved.StartedAt)),
		)
	}

	return out, nil
}

func (m *Manager) newProbeIncident(monitor *core.Monitor, result core.ProbeResult) *core.Incident {
	reason := m.policy.DownReason(result)
	monitorID := monitor.ID
	return &core.Incident{
		ID:          uuid.New().String(),
		MonitorID:   &monitorID,
		ProjectID:   monitor.ProjectID,
		Source:      core.SourceProbe,
		Severity:    core.SeverityCritical,
		Status:      core.IncidentOpen,
		Title:       fmt.Sprintf("%s is down: %s", monitor.Name, reason),
		Description: fmt.Sprintf("Probe of %s failed: %s", monitor.URL, reason),
		StartedAt:   result.CheckedAt,
		UpdatedAt:   m.now(),
	}
}

func (m *Manager) resolve(ctx context.Context, tx db.Tx, incident *core.Incident, at time.Time) (*core.Incident, *core.AuditEntry, error) {
	next := incident.Clone()
	next.Status = core.IncidentResolved
	next.ResolvedAt = &at
	next.UpdatedAt = m.now()

	if err := tx.UpdateIncident(ctx, next); err != nil {
		return nil, nil, fmt.Errorf("failed to resolve incident: %w", err)
	}
	entry, err := m.ledger.Record(ctx, tx, core.EntityIncident, next.ID, core.ActionTransition, incident, next)
	if err != nil {
		return nil, nil, err
	}
	return next, entry, nil
}

// Acknowledge moves an open incident to acknowledged. Any other state is
// left alone and returned as is.
func (m *Manager) Acknowledge(ctx context.Context, incidentID string) (*core.Incident, error) {
	return m.transition(ctx, incidentID, notify.TransitionAcknowledged, func(cur *core.Incident, now time.Time) *core.Incident {
		if cur.Status != core.IncidentOpen {
			return nil
		}
		next := cur.Clone()
		next.Status = core.IncidentAcknowledged
		next.AcknowledgedAt = &now
		return next
	})
}

// Resolve closes an incident from any non-resolved state.
func (m *Manager) Resolve(ctx context.Context, incidentID string) (*core.Incident, error) {
	return m.transition(ctx, incidentID, notify.TransitionResolved, func(cur *core.Incident, now time.Time) *core.Incident {
		if cur.Status == core.IncidentResolved {
			return nil
		}
		next := cur.Clone()
		next.Status = core.IncidentResolved
		next.ResolvedAt = &now
		return next
	})
}

func (m *Manager) transition(ctx context.Context, incidentID string, tr notify.Transition, step func(cur *core.Incident, now time.Time) *core.Incident) (*core.Incident, error) {
	incident, err := m.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.lock(lockKey(incident))
	defer unlock()

	var result *core.Incident
	var entry *core.AuditEntry
	err = m.store.WithTx(ctx, func(tx db.Tx) error {
		entry = nil
		cur, err := tx.GetIncident(ctx, incidentID)
		if err != nil {
			return err
		}

		now := m.now()
		next := step(cur, now)
		if next == nil {
			result = cur
			return nil
		}
		next.UpdatedAt = now

		if err := tx.UpdateIncident(ctx, next); err != nil {
			return fmt.Errorf("failed to update incident: %w", err)
		}
		entry, err = m.ledger.Record(ctx, tx, core.EntityIncident, next.ID, core.ActionTransition, cur, next)
		if err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return result, nil
	}

	m.metrics.RecordAudit(entry)
	switch tr {
	case notify.TransitionAcknowledged:
		m.metrics.RecordIncidentAcknowledged(result)
		m.emit(result, tr, *result.AcknowledgedAt)
	case notify.TransitionResolved:
		m.metrics.RecordIncidentResolved(result)
		m.emit(result, tr, *result.ResolvedAt)
	}
	m.logger.Info("Incident transition",
		zap.String("incident_id", result.ID),
		zap.String("transition", string(tr)),
	)
	return result, nil
}

type OpenRequest struct {
	MonitorID   *string       `json:"monitor_id"`
	ProjectID   string        `json:"project_id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Severity    core.Severity `json:"severity"`
}

func (r *OpenRequest) Valid(ctx context.Context) map[string]string {
	problems := make(map[string]string)
	if strings.TrimSpace(r.Title) == "" {
		problems["title"] = "must not be empty"
	}
	if r.Severity != "" && !core.ValidSeverity(r.Severity) {
		problems["severity"] = "must be warning or critical"
	}
	if r.MonitorID != nil && *r.MonitorID == "" {
		problems["monitor_id"] = "must not be empty when present"
	}
	return problems
}

// Open files a manual incident. When the monitor already has an open
// incident that one is returned and created is false.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (incident *core.Incident, created bool, err error) {
	if problems := req.Valid(ctx); len(problems) > 0 {
		return nil, false, core.NewValidationError(problems)
	}
	if req.Severity == "" {
		req.Severity = core.SeverityWarning
	}

	if req.MonitorID != nil {
		unlock := m.locks.lock(*req.MonitorID)
		defer unlock()
	}

	var entry *core.AuditEntry
	err = m.store.WithTx(ctx, func(tx db.Tx) error {
		incident, created, entry = nil, false, nil
		now := m.now()
		next := &core.Incident{
			ID:          uuid.New().String(),
			ProjectID:   req.ProjectID,
			Source:      core.SourceManual,
			Severity:    req.Severity,
			Status:      core.IncidentOpen,
			Title:       strings.TrimSpace(req.Title),
			Description: req.Description,
			StartedAt:   now,
			UpdatedAt:   now,
		}

		if req.MonitorID != nil {
			monitor, err := tx.GetMonitor(ctx, *req.MonitorID)
			if err != nil {
				return err
			}
			open, err := openIncident(ctx, tx, monitor.ID)
			if err != nil {
				return err
			}
			if open != nil {
				incident = open
				return nil
			}
			monitorID := monitor.ID
			next.MonitorID = &monitorID
			next.ProjectID = monitor.ProjectID
		}

		err := tx.CreateIncident(ctx, next)
		if errors.Is(err, db.ErrConflict) && next.MonitorID != nil {
			incident, err = tx.GetOpenIncident(ctx, *next.MonitorID)
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to create incident: %w", err)
		}
		entry, err = m.ledger.Record(ctx, tx, core.EntityIncident, next.ID, core.ActionCreate, nil, next)
		if err != nil {
			return err
		}
		incident, created = next, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		m.metrics.RecordAudit(entry)
		m.metrics.RecordIncidentOpened(incident)
		m.emit(incident, notify.TransitionOpened, incident.StartedAt)
		m.logger.Info("Opened manual incident", zap.String("incident_id", incident.ID))
	}
	return incident, created, nil
}

// Retire resolves any open incident of a monitor and runs fn in the same
// transaction under the monitor lock. It is used to delete a monitor so a
// racing probe result cannot reopen an incident for it.
func (m *Manager) Retire(ctx context.Context, monitorID string, fn func(tx db.Tx) error) error {
	unlock := m.locks.lock(monitorID)
	defer unlock()

	var resolved *core.Incident
	var entries []*core.AuditEntry
	err := m.store.WithTx(ctx, func(tx db.Tx) error {
		resolved, entries = nil, nil
		open, err := openIncident(ctx, tx, monitorID)
		if err != nil {
			return err
		}
		if open != nil {
			next, entry, err := m.resolve(ctx, tx, open, m.now())
			if err != nil {
				return err
			}
			resolved = next
			entries = append(entries, entry)
		}
		return fn(tx)
	})
	if err != nil {
		return err
	}

	m.metrics.RecordAudit(entries...)
	if resolved != nil {
		m.metrics.RecordIncidentResolved(resolved)
		m.emit(resolved, notify.TransitionResolved, *resolved.ResolvedAt)
	}
	return nil
}

// Locked runs fn in a transaction under the monitor lock.
func (m *Manager) Locked(ctx context.Context, monitorID string, fn func(tx db.Tx) error) error {
	unlock := m.locks.lock(monitorID)
	defer unlock()
	return m.store.WithTx(ctx, fn)
}

func (m *Manager) Get(ctx context.Context, id string) (*core.Incident, error) {
	return m.store.GetIncident(ctx, id)
}

func (m *Manager) List(ctx context.Context, f db.IncidentFilter) ([]*core.Incident, error) {
	return m.store.ListIncidents(ctx, f)
}

func (m *Manager) emit(incident *core.Incident, tr notify.Transition, at time.Time) {
	if m.emitter == nil {
		return
	}
	event := notify.Event{
		IncidentID: incident.ID,
		ProjectID:  incident.ProjectID,
		Transition: tr,
		Severity:   string(incident.Severity),
		Title:      incident.Title,
		At:         at,
	}
	if incident.MonitorID != nil {
		event.MonitorID = *incident.MonitorID
	}
	m.emitter.Emit(event)
}

func openIncident(ctx context.Context, tx db.Tx, monitorID string) (*core.Incident, error) {
	open, err := tx.GetOpenIncident(ctx, monitorID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open incident: %w", err)
	}
	return open, nil
}

func lockKey(incident *core.Incident) string {
	if incident.MonitorID != nil {
		return *incident.MonitorID
	}
	return "incident:" + incident.ID
}

type monitorStatus struct {
	Status      core.MonitorStatus `json:"status"`
	LastCheckAt *time.Time         `json:"last_check_at"`
}

func statusSnapshot(m *core.Monitor) monitorStatus {
	return monitorStatus{Status: m.Status, LastCheckAt: m.LastCheckAt}
}
