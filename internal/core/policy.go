package core

import "fmt"

const DefaultUnhealthyStatusMin = 500

// StatusPolicy decides whether a probe result counts as up or down. The
// incident manager and the uptime calculation share one policy so the
// reported uptime never disagrees with the incident history.
type StatusPolicy struct {
	UnhealthyStatusMin int
}

func NewStatusPolicy(unhealthyMin int) StatusPolicy {
	if unhealthyMin <= 0 {
		unhealthyMin = DefaultUnhealthyStatusMin
	}
	return StatusPolicy{UnhealthyStatusMin: unhealthyMin}
}

func (p StatusPolicy) Classify(r ProbeResult) MonitorStatus {
	switch r.Outcome {
	case OutcomeSuccess:
		if r.StatusCode != nil && *r.StatusCode >= p.threshold() {
			return StatusDown
		}
		return StatusUp
	default:
		// anything that is not an explicit success is an outage signal
		return StatusDown
	}
}

func (p StatusPolicy) Healthy(r ProbeResult) bool {
	return p.Classify(r) == StatusUp
}

// DownReason describes why a result classified as down.
func (p StatusPolicy) DownReason(r ProbeResult) string {
	if r.Outcome == OutcomeSuccess && r.StatusCode != nil {
		return fmt.Sprintf("HTTP %d", *r.StatusCode)
	}
	if reason := r.FailureReason(); reason != "" {
		return reason
	}
	return "probe failed"
}

func (p StatusPolicy) threshold() int {
	if p.UnhealthyStatusMin <= 0 {
		return DefaultUnhealthyStatusMin
	}
	return p.UnhealthyStatusMin
}
