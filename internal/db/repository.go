package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/leozw/uptime-sentinel/internal/config"
	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/lib/pq"
)

type Repository struct {
	queries
	db *sqlx.DB
}

var _ Store = (*Repository)(nil)

func NewConnection(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}

	maxOpen, maxIdle := cfg.MaxConnections, cfg.MaxIdleConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	if maxIdle <= 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{queries: queries{q: db}, db: db}
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&pgTx{queries: queries{q: sqlTx}}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// Probe results

func (r *Repository) SaveProbeResult(ctx context.Context, res *core.ProbeResult) error {
	query := `
		INSERT INTO probe_results (
			id, monitor_id, checked_at, outcome, status_code, latency_ms, reason
		) VALUES (
			:id, :monitor_id, :checked_at, :outcome, :status_code, :latency_ms, :reason
		)`

	_, err := sqlx.NamedExecContext(ctx, r.db, query, res)
	return err
}

func (r *Repository) ListProbeResults(ctx context.Context, f ProbeFilter) ([]*core.ProbeResult, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.MonitorID != "" {
		args = append(args, f.MonitorID)
		where = append(where, fmt.Sprintf("monitor_id = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("checked_at >= $%d", len(args)))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until)
		where = append(where, fmt.Sprintf("checked_at <= $%d", len(args)))
	}

	query := `SELECT id, monitor_id, checked_at, outcome, status_code, latency_ms, reason FROM probe_results`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Newest {
		query += " ORDER BY checked_at DESC"
	} else {
		query += " ORDER BY checked_at ASC"
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	results := []*core.ProbeResult{}
	err := sqlx.SelectContext(ctx, r.db, &results, query, args...)
	return results, err
}

func (r *Repository) PruneProbeResults(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM probe_results WHERE checked_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) AuditStats(ctx context.Context, since time.Time) (*AuditStats, error) {
	stats := &AuditStats{
		ByAction: make(map[string]int64),
		ByEntity: make(map[string]int64),
	}

	if err := r.db.GetContext(ctx, &stats.Total, `SELECT COUNT(*) FROM audit_log`); err != nil {
		return nil, err
	}
	if err := r.db.GetContext(ctx, &stats.Recent, `SELECT COUNT(*) FROM audit_log WHERE recorded_at >= $1`, since); err != nil {
		return nil, err
	}

	type bucket struct {
		Key   string `db:"key"`
		Count int64  `db:"count"`
	}

	var byAction []bucket
	if err := r.db.SelectContext(ctx, &byAction, `SELECT action AS key, COUNT(*) AS count FROM audit_log GROUP BY action`); err != nil {
		return nil, err
	}
	for _, b := range byAction {
		stats.ByAction[b.Key] = b.Count
	}

	var byEntity []bucket
	if err := r.db.SelectContext(ctx, &byEntity, `SELECT entity_type AS key, COUNT(*) AS count FROM audit_log GROUP BY entity_type`); err != nil {
		return nil, err
	}
	for _, b := range byEntity {
		stats.ByEntity[b.Key] = b.Count
	}

	return stats, nil
}

// queries run against either the pool or an open transaction.
type queries struct {
	q sqlx.ExtContext
}

const monitorColumns = `id, project_id, name, kind, url, interval_seconds, status, last_check_at, created_at, updated_at`

func (q queries) GetMonitor(ctx context.Context, id string) (*core.Monitor, error) {
	var m core.Monitor
	err := sqlx.GetContext(ctx, q.q, &m, `SELECT `+monitorColumns+` FROM monitors WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (q queries) ListMonitors(ctx context.Context, f MonitorFilter) ([]*core.Monitor, error) {
	monitors := []*core.Monitor{}
	query := `SELECT ` + monitorColumns + ` FROM monitors`
	var args []interface{}
	if f.ProjectID != "" {
		query += ` WHERE project_id = $1`
		args = append(args, f.ProjectID)
	}
	query += ` ORDER BY created_at ASC`

	err := sqlx.SelectContext(ctx, q.q, &monitors, query, args...)
	return monitors, err
}

const incidentColumns = `id, monitor_id, project_id, source, severity, status, title, description, started_at, acknowledged_at, resolved_at, updated_at`

func (q queries) GetIncident(ctx context.Context, id string) (*core.Incident, error) {
	var i core.Incident
	err := sqlx.GetContext(ctx, q.q, &i, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (q queries) GetOpenIncident(ctx context.Context, monitorID string) (*core.Incident, error) {
	var i core.Incident
	err := sqlx.GetContext(ctx, q.q, &i,
		`SELECT `+incidentColumns+` FROM incidents WHERE monitor_id = $1 AND status <> 'resolved'`, monitorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (q queries) ListIncidents(ctx context.Context, f IncidentFilter) ([]*core.Incident, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.ProjectID != "" {
		args = append(args, f.ProjectID)
		where = append(where, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if f.MonitorID != "" {
		args = append(args, f.MonitorID)
		where = append(where, fmt.Sprintf("monitor_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.OpenOnly {
		where = append(where, "status <> 'resolved'")
	}
	if !f.StartedSince.IsZero() {
		args = append(args, f.StartedSince)
		where = append(where, fmt.Sprintf("started_at >= $%d", len(args)))
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	incidents := []*core.Incident{}
	err := sqlx.SelectContext(ctx, q.q, &incidents, query, args...)
	return incidents, err
}

type auditRow struct {
	Seq        int64     `db:"seq"`
	ID         string    `db:"id"`
	EntityType string    `db:"entity_type"`
	EntityID   string    `db:"entity_id"`
	Action     string    `db:"action"`
	OldValue   []byte    `db:"old_value"`
	NewValue   []byte    `db:"new_value"`
	RecordedAt time.Time `db:"recorded_at"`
}

func (r auditRow) entry() *core.AuditEntry {
	return &core.AuditEntry{
		ID:         r.ID,
		Seq:        r.Seq,
		EntityType: core.EntityType(r.EntityType),
		EntityID:   r.EntityID,
		Action:     core.AuditAction(r.Action),
		OldValue:   json.RawMessage(r.OldValue),
		NewValue:   json.RawMessage(r.NewValue),
		RecordedAt: r.RecordedAt,
	}
}

func (q queries) ListAudit(ctx context.Context, f AuditFilter) ([]*core.AuditEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.EntityType != "" {
		args = append(args, f.EntityType)
		where = append(where, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	if f.EntityID != "" {
		args = append(args, f.EntityID)
		where = append(where, fmt.Sprintf("entity_id = $%d", len(args)))
	}
	if len(f.EntityTypes) > 0 {
		types := make([]string, len(f.EntityTypes))
		for i, t := range f.EntityTypes {
			types[i] = string(t)
		}
		args = append(args, pq.Array(types))
		where = append(where, fmt.Sprintf("entity_type = ANY($%d)", len(args)))
	}
	if f.Action != "" {
		args = append(args, f.Action)
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		where = append(where, fmt.Sprintf("recorded_at >= $%d", len(args)))
	}
	if f.Until != nil {
		args = append(args, *f.Until)
		where = append(where, fmt.Sprintf("recorded_at <= $%d", len(args)))
	}

	query := `SELECT seq, id, entity_type, entity_id, action, old_value, new_value, recorded_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Newest {
		query += " ORDER BY recorded_at DESC, seq DESC"
	} else {
		query += " ORDER BY recorded_at ASC, seq ASC"
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var rows []auditRow
	if err := sqlx.SelectContext(ctx, q.q, &rows, query, args...); err != nil {
		return nil, err
	}

	entries := make([]*core.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.entry())
	}
	return entries, nil
}

type pgTx struct {
	queries
}

func (t *pgTx) CreateMonitor(ctx context.Context, m *core.Monitor) error {
	query := `
		INSERT INTO monitors (
			id, project_id, name, kind, url, interval_seconds, status, last_check_at, created_at, updated_at
		) VALUES (
			:id, :project_id, :name, :kind, :url, :interval_seconds, :status, :last_check_at, :created_at, :updated_at
		)`

	_, err := sqlx.NamedExecContext(ctx, t.q, query, m)
	return err
}

func (t *pgTx) UpdateMonitor(ctx context.Context, m *core.Monitor) error {
	query := `
		UPDATE monitors SET
			name = :name,
			kind = :kind,
			url = :url,
			interval_seconds = :interval_seconds,
			updated_at = :updated_at
		WHERE id = :id`

	res, err := sqlx.NamedExecContext(ctx, t.q, query, m)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (t *pgTx) UpdateMonitorStatus(ctx context.Context, id string, status core.MonitorStatus, checkedAt time.Time) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE monitors SET status = $1, last_check_at = $2 WHERE id = $3`,
		status, checkedAt, id,
	)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (t *pgTx) DeleteMonitor(ctx context.Context, id string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM monitors WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (t *pgTx) CreateIncident(ctx context.Context, i *core.Incident) error {
	query := `
		INSERT INTO incidents (
			id, monitor_id, project_id, source, severity, status, title, description,
			started_at, acknowledged_at, resolved_at, updated_at
		) VALUES (
			:id, :monitor_id, :project_id, :source, :severity, :status, :title, :description,
			:started_at, :acknowledged_at, :resolved_at, :updated_at
		)
		ON CONFLICT (monitor_id) WHERE status <> 'resolved' DO NOTHING`

	res, err := sqlx.NamedExecContext(ctx, t.q, query, i)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (t *pgTx) UpdateIncident(ctx context.Context, i *core.Incident) error {
	query := `
		UPDATE incidents SET
			severity = :severity,
			status = :status,
			title = :title,
			description = :description,
			acknowledged_at = :acknowledged_at,
			resolved_at = :resolved_at,
			updated_at = :updated_at
		WHERE id = :id`

	res, err := sqlx.NamedExecContext(ctx, t.q, query, i)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (t *pgTx) AppendAudit(ctx context.Context, e *core.AuditEntry) error {
	query := `
		INSERT INTO audit_log (id, entity_type, entity_id, action, old_value, new_value, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq`

	return t.q.QueryRowxContext(ctx, query,
		e.ID, e.EntityType, e.EntityID, e.Action,
		jsonArg(e.OldValue), jsonArg(e.NewValue), e.RecordedAt,
	).Scan(&e.Seq)
}

// jsonArg passes JSONB as text; lib/pq would encode a []byte as bytea.
func jsonArg(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
