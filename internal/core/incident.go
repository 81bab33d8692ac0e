package core

import "time"

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type IncidentStatus string

const (
	IncidentOpen         IncidentStatus = "open"
	IncidentAcknowledged IncidentStatus = "acknowledged"
	IncidentResolved     IncidentStatus = "resolved"
)

type IncidentSource string

const (
	SourceProbe  IncidentSource = "probe"
	SourceManual IncidentSource = "manual"
)

type Incident struct {
	ID             string         `json:"id" db:"id"`
	MonitorID      *string        `json:"monitor_id" db:"monitor_id"`
	ProjectID      string         `json:"project_id,omitempty" db:"project_id"`
	Source         IncidentSource `json:"source" db:"source"`
	Severity       Severity       `json:"severity" db:"severity"`
	Status         IncidentStatus `json:"status" db:"status"`
	Title          string         `json:"title" db:"title"`
	Description    string         `json:"description" db:"description"`
	StartedAt      time.Time      `json:"started_at" db:"started_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at" db:"acknowledged_at"`
	ResolvedAt     *time.Time     `json:"resolved_at" db:"resolved_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// IsOpen reports whether the incident still counts against the
// one-open-incident-per-monitor rule.
func (i *Incident) IsOpen() bool {
	return i.Status != IncidentResolved
}

func (i *Incident) Clone() *Incident {
	c := *i
	if i.MonitorID != nil {
		id := *i.MonitorID
		c.MonitorID = &id
	}
	if i.AcknowledgedAt != nil {
		t := *i.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

func ValidSeverity(s Severity) bool {
	return s == SeverityWarning || s == SeverityCritical
}

func ValidIncidentStatus(s IncidentStatus) bool {
	switch s {
	case IncidentOpen, IncidentAcknowledged, IncidentResolved:
		return true
	}
	return false
}
