package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/uptime-sentinel/internal/core"
)

const DefaultMaxTimeout = 10 * time.Second

// Target is everything a runner needs for one probe.
type Target struct {
	MonitorID string
	Kind      core.MonitorKind
	URL       string
	Timeout   time.Duration
}

// Runner performs one outbound check. Transport errors are reported as a
// failure result, never returned.
type Runner interface {
	Check(ctx context.Context, target Target) core.ProbeResult
}

type RunnerFunc func(ctx context.Context, target Target) core.ProbeResult

func (f RunnerFunc) Check(ctx context.Context, target Target) core.ProbeResult {
	return f(ctx, target)
}

// Executor dispatches a probe to the runner for the monitor kind and
// stamps the result.
type Executor struct {
	runners    map[core.MonitorKind]Runner
	maxTimeout time.Duration
}

func NewExecutor(maxTimeout time.Duration, runners map[core.MonitorKind]Runner) *Executor {
	if maxTimeout <= 0 {
		maxTimeout = DefaultMaxTimeout
	}
	return &Executor{runners: runners, maxTimeout: maxTimeout}
}

// DefaultRunners wires one runner per monitor kind.
func DefaultRunners(dnsResolver string) map[core.MonitorKind]Runner {
	return map[core.MonitorKind]Runner{
		core.KindHTTP:   NewHTTPChecker(),
		core.KindDNS:    NewDNSChecker(dnsResolver),
		core.KindTLS:    NewTLSChecker(),
		core.KindDomain: NewDomainChecker(),
	}
}

// Timeout is min(maxTimeout, interval/2).
func Timeout(maxTimeout, interval time.Duration) time.Duration {
	half := interval / 2
	if half <= 0 || half > maxTimeout {
		return maxTimeout
	}
	return half
}

// TargetFor derives the probe target of a monitor; unit scales the
// monitor interval (seconds in production).
func (e *Executor) TargetFor(m *core.Monitor, unit time.Duration) Target {
	return Target{
		MonitorID: m.ID,
		Kind:      m.Kind,
		URL:       m.URL,
		Timeout:   Timeout(e.maxTimeout, m.Every(unit)),
	}
}

func (e *Executor) Probe(ctx context.Context, target Target) (result core.ProbeResult) {
	start := time.Now().UTC()
	defer func() {
		if r := recover(); r != nil {
			result = core.Failure(target.MonitorID, start, fmt.Sprintf("probe panicked: %v", r))
		}
		result.ID = uuid.New().String()
		result.MonitorID = target.MonitorID
		result.CheckedAt = start
	}()

	kind := target.Kind
	if kind == "" {
		kind = core.KindHTTP
	}
	runner, ok := e.runners[kind]
	if !ok {
		return core.Failure(target.MonitorID, start, fmt.Sprintf("no runner for monitor kind %q", kind))
	}

	timeout := target.Timeout
	if timeout <= 0 || timeout > e.maxTimeout {
		timeout = e.maxTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return runner.Check(ctx, target)
}
