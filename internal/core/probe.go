package core

import "time"

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ProbeResult is one immutable observation. Build it with Success,
// HTTPSuccess or Failure so the outcome and its payload always agree.
type ProbeResult struct {
	ID         string    `json:"id" db:"id"`
	MonitorID  string    `json:"monitor_id" db:"monitor_id"`
	CheckedAt  time.Time `json:"checked_at" db:"checked_at"`
	Outcome    Outcome   `json:"outcome" db:"outcome"`
	StatusCode *int      `json:"status_code" db:"status_code"`
	LatencyMs  *int64    `json:"latency_ms" db:"latency_ms"`
	Reason     *string   `json:"reason" db:"reason"`
}

// Success is a completed probe without a protocol status code (dns, tls, domain).
func Success(monitorID string, at time.Time, latency time.Duration) ProbeResult {
	ms := latency.Milliseconds()
	return ProbeResult{
		MonitorID: monitorID,
		CheckedAt: at,
		Outcome:   OutcomeSuccess,
		LatencyMs: &ms,
	}
}

func HTTPSuccess(monitorID string, at time.Time, code int, latency time.Duration) ProbeResult {
	r := Success(monitorID, at, latency)
	r.StatusCode = &code
	return r
}

func Failure(monitorID string, at time.Time, reason string) ProbeResult {
	return ProbeResult{
		MonitorID: monitorID,
		CheckedAt: at,
		Outcome:   OutcomeFailure,
		Reason:    &reason,
	}
}

func (r ProbeResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// Latency reports the measured latency in milliseconds; ok is false for failures.
func (r ProbeResult) Latency() (ms int64, ok bool) {
	if r.Outcome != OutcomeSuccess || r.LatencyMs == nil {
		return 0, false
	}
	return *r.LatencyMs, true
}

func (r ProbeResult) FailureReason() string {
	if r.Reason == nil {
		return ""
	}
	return *r.Reason
}
