package core

import (
	"encoding/json"
	"time"
)

type EntityType string

const (
	EntityMonitor  EntityType = "monitor"
	EntityIncident EntityType = "incident"
)

type AuditAction string

const (
	ActionCreate     AuditAction = "create"
	ActionUpdate     AuditAction = "update"
	ActionDelete     AuditAction = "delete"
	ActionTransition AuditAction = "transition"
)

func ValidAuditAction(a AuditAction) bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionTransition:
		return true
	}
	return false
}

// AuditEntry is write-once. Seq breaks ties between entries recorded at
// the same instant and reflects insertion order.
type AuditEntry struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     AuditAction     `json:"action"`
	OldValue   json.RawMessage `json:"old_value"`
	NewValue   json.RawMessage `json:"new_value"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Before orders entries by timestamp, then by sequence.
func (e *AuditEntry) Before(other *AuditEntry) bool {
	if !e.RecordedAt.Equal(other.RecordedAt) {
		return e.RecordedAt.Before(other.RecordedAt)
	}
	return e.Seq < other.Seq
}
