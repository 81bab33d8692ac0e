package core

import (
	"context"
	"net/url"
	"strings"
	"time"
)

type MonitorStatus string

const (
	StatusUnknown MonitorStatus = "unknown"
	StatusUp      MonitorStatus = "up"
	StatusDown    MonitorStatus = "down"
)

type MonitorKind string

const (
	KindHTTP   MonitorKind = "http"
	KindDNS    MonitorKind = "dns"
	KindTLS    MonitorKind = "tls"
	KindDomain MonitorKind = "domain"
)

const (
	MaxNameLength   = 255
	MaxIntervalSecs = 86400
)

type Monitor struct {
	ID          string        `json:"id" db:"id"`
	ProjectID   string        `json:"project_id,omitempty" db:"project_id"`
	Name        string        `json:"name" db:"name"`
	Kind        MonitorKind   `json:"kind" db:"kind"`
	URL         string        `json:"url" db:"url"`
	Interval    int           `json:"interval" db:"interval_seconds"`
	Status      MonitorStatus `json:"status" db:"status"`
	LastCheckAt *time.Time    `json:"last_check_at,omitempty" db:"last_check_at"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

// Every returns the configured check interval as a duration of unit.
func (m *Monitor) Every(unit time.Duration) time.Duration {
	return time.Duration(m.Interval) * unit
}

func (m *Monitor) Clone() *Monitor {
	c := *m
	if m.LastCheckAt != nil {
		t := *m.LastCheckAt
		c.LastCheckAt = &t
	}
	return &c
}

// Normalize fills in defaults for fields a caller may omit.
func (m *Monitor) Normalize() {
	m.Name = strings.TrimSpace(m.Name)
	m.URL = strings.TrimSpace(m.URL)
	if m.Kind == "" {
		m.Kind = KindHTTP
	}
	if m.Status == "" {
		m.Status = StatusUnknown
	}
}

// Valid returns a map of field to human readable problem.
func (m *Monitor) Valid(ctx context.Context) map[string]string {
	problems := make(map[string]string)

	switch {
	case m.Name == "":
		problems["name"] = "must not be empty"
	case len(m.Name) > MaxNameLength:
		problems["name"] = "must be at most 255 characters"
	}

	if reason := checkURL(m.URL); reason != "" {
		problems["url"] = reason
	}

	switch {
	case m.Interval <= 0:
		problems["interval"] = "must be a positive number of seconds"
	case m.Interval > MaxIntervalSecs:
		problems["interval"] = "must be at most 86400 seconds"
	}

	switch m.Kind {
	case KindHTTP, KindDNS, KindTLS, KindDomain:
	default:
		problems["kind"] = "must be one of http, dns, tls, domain"
	}

	return problems
}

// Validate wraps Valid into a *ValidationError, or nil when there are no problems.
func (m *Monitor) Validate() error {
	if problems := m.Valid(context.Background()); len(problems) > 0 {
		return NewValidationError(problems)
	}
	return nil
}

func checkURL(raw string) string {
	if raw == "" {
		return "must not be empty"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "is not a valid URL"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "scheme must be http or https"
	}
	if u.Hostname() == "" {
		return "must include a host"
	}
	return ""
}
