package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/leozw/uptime-sentinel/internal/db"
	"go.uber.org/zap"
)

// State is a reconstructed entity snapshot. A nil State means the entity
// did not exist at that point in time.
type State map[string]interface{}

type Ledger struct {
	store  db.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewLedger(store db.Store, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record appends an entry inside the caller's transaction. An error here
// must abort the transaction so the mutation is never committed unaudited.
func (l *Ledger) Record(ctx context.Context, tx db.Tx, entityType core.EntityType, entityID string, action core.AuditAction, oldValue, newValue interface{}) (*core.AuditEntry, error) {
	entry, err := l.build(entityType, entityID, action, oldValue, newValue)
	if err != nil {
		return nil, err
	}
	if err := tx.AppendAudit(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to append audit entry: %w", err)
	}
	return entry, nil
}

// Append writes a standalone entry in its own transaction.
func (l *Ledger) Append(ctx context.Context, entry *core.AuditEntry) error {
	if entry.EntityType == "" || entry.EntityID == "" {
		return fmt.Errorf("audit entry requires entity type and id")
	}
	if !core.ValidAuditAction(entry.Action) {
		return fmt.Errorf("invalid audit action %q", entry.Action)
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = l.now()
	}

	return l.store.WithTx(ctx, func(tx db.Tx) error {
		return tx.AppendAudit(ctx, entry)
	})
}

func (l *Ledger) List(ctx context.Context, f db.AuditFilter) ([]*core.AuditEntry, error) {
	return l.store.ListAudit(ctx, f)
}

// History returns every entry for one entity, oldest first.
func (l *Ledger) History(ctx context.Context, entityType core.EntityType, entityID string) ([]*core.AuditEntry, error) {
	return l.store.ListAudit(ctx, db.AuditFilter{EntityType: entityType, EntityID: entityID})
}

// StateAt folds snapshots up to and including at.
func (l *Ledger) StateAt(ctx context.Context, entityType core.EntityType, entityID string, at time.Time) (State, error) {
	entries, err := l.store.ListAudit(ctx, db.AuditFilter{EntityType: entityType, EntityID: entityID, Until: &at})
	if err != nil {
		return nil, err
	}

	var state State
	for _, e := range entries {
		state, err = apply(state, e)
		if err != nil {
			return nil, err
		}
	}
	return state, nil
}

type ReplayStep struct {
	Entry *core.AuditEntry `json:"entry"`
	State State            `json:"state"`
}

// Replay returns the entity state after each entry, optionally stopping at until.
func (l *Ledger) Replay(ctx context.Context, entityType core.EntityType, entityID string, until *time.Time) ([]ReplayStep, error) {
	entries, err := l.store.ListAudit(ctx, db.AuditFilter{EntityType: entityType, EntityID: entityID, Until: until})
	if err != nil {
		return nil, err
	}

	steps := make([]ReplayStep, 0, len(entries))
	var state State
	for _, e := range entries {
		state, err = apply(state, e)
		if err != nil {
			return nil, err
		}
		steps = append(steps, ReplayStep{Entry: e, State: state.clone()})
	}
	return steps, nil
}

type FieldChange struct {
	From interface{} `json:"from"`
	To   interface{} `json:"to"`
}

// Diff compares the reconstructed state at two instants.
func (l *Ledger) Diff(ctx context.Context, entityType core.EntityType, entityID string, from, to time.Time) (map[string]FieldChange, error) {
	before, err := l.StateAt(ctx, entityType, entityID, from)
	if err != nil {
		return nil, err
	}
	after, err := l.StateAt(ctx, entityType, entityID, to)
	if err != nil {
		return nil, err
	}
	return diffStates(before, after), nil
}

func (l *Ledger) Stats(ctx context.Context, since time.Time) (*db.AuditStats, error) {
	return l.store.AuditStats(ctx, since)
}

func (l *Ledger) build(entityType core.EntityType, entityID string, action core.AuditAction, oldValue, newValue interface{}) (*core.AuditEntry, error) {
	if !core.ValidAuditAction(action) {
		return nil, fmt.Errorf("invalid audit action %q", action)
	}
	oldRaw, err := snapshot(oldValue)
	if err != nil {
		return nil, fmt.Errorf("failed to encode old value: %w", err)
	}
	newRaw, err := snapshot(newValue)
	if err != nil {
		return nil, fmt.Errorf("failed to encode new value: %w", err)
	}

	return &core.AuditEntry{
		ID:         uuid.New().String(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		OldValue:   oldRaw,
		NewValue:   newRaw,
		RecordedAt: l.now(),
	}, nil
}

func snapshot(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Ptr && rv.IsNil() {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func apply(state State, e *core.AuditEntry) (State, error) {
	switch e.Action {
	case core.ActionDelete:
		return nil, nil
	case core.ActionCreate:
		return decode(e.NewValue)
	default:
		next, err := decode(e.NewValue)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return state, nil
		}
		merged := state.clone()
		if merged == nil {
			merged = State{}
		}
		for k, v := range next {
			merged[k] = v
		}
		return merged, nil
	}
}

func decode(raw json.RawMessage) (State, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return s, nil
}

func (s State) clone() State {
	if s == nil {
		return nil
	}
	c := make(State, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

func diffStates(before, after State) map[string]FieldChange {
	changes := make(map[string]FieldChange)
	for k, v := range after {
		if old, ok := before[k]; !ok || !reflect.DeepEqual(old, v) {
			changes[k] = FieldChange{From: before[k], To: v}
		}
	}
	for k, v := range before {
		if _, ok := after[k]; !ok {
			changes[k] = FieldChange{From: v, To: nil}
		}
	}
	return changes
}
