package notify

import (
	"context"
	"sync"
	"time"

	"github.com/leozw/uptime-sentinel/internal/metrics"
	"go.uber.org/zap"
)

const DefaultBufferSize = 256

type Transition string

const (
	TransitionOpened       Transition = "opened"
	TransitionAcknowledged Transition = "acknowledged"
	TransitionResolved     Transition = "resolved"
)

// Event is what the notification layer receives for every incident transition.
type Event struct {
	IncidentID string     `json:"incident_id"`
	MonitorID  string     `json:"monitor_id,omitempty"`
	ProjectID  string     `json:"project_id,omitempty"`
	Transition Transition `json:"transition"`
	Severity   string     `json:"severity"`
	Title      string     `json:"title"`
	At         time.Time  `json:"at"`
}

type Sink interface {
	Name() string
	Send(ctx context.Context, event Event) error
}

// Dispatcher fans events out to its sinks from a single goroutine. Emit
// never blocks: when the buffer is full the event is dropped.
type Dispatcher struct {
	events  chan Event
	sinks   []Sink
	logger  *zap.Logger
	metrics *metrics.Collector

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDispatcher(bufferSize int, logger *zap.Logger, collector *metrics.Collector, sinks ...Sink) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Dispatcher{
		events:  make(chan Event, bufferSize),
		sinks:   sinks,
		logger:  logger,
		metrics: collector,
		done:    make(chan struct{}),
	}
}

func (d *Dispatcher) Emit(event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	select {
	case d.events <- event:
	default:
		d.logger.Warn("Notification buffer full, dropping event",
			zap.String("incident_id", event.IncidentID),
			zap.String("transition", string(event.Transition)),
		)
	}
}

// Run delivers events until Close is called and the buffer is drained.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for event := range d.events {
		d.deliver(ctx, event)
	}
}

// Close stops accepting events and waits for Run to drain the buffer or
// for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event Event) {
	fanOut(ctx, d.sinks, d.logger, d.metrics, event)
}

// fanOut sends the event to every sink in order. A failing sink does not
// stop the others.
func fanOut(ctx context.Context, sinks []Sink, logger *zap.Logger, collector *metrics.Collector, event Event) {
	for _, sink := range sinks {
		start := time.Now()
		err := sink.Send(ctx, event)
		collector.RecordNotification(sink.Name(), err == nil, time.Since(start))
		if err != nil {
			logger.Error("Failed to deliver notification",
				zap.String("sink", sink.Name()),
				zap.String("incident_id", event.IncidentID),
				zap.Error(err),
			)
		}
	}
}
