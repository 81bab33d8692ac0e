package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/leozw/uptime-sentinel/internal/metrics"
	"github.com/leozw/uptime-sentinel/internal/queue"
	"go.uber.org/zap"
)

const DefaultPollTimeout = 5 * time.Second

// Relay consumes the redis event queue, oldest event first, and hands each
// event to its sinks. It is the worker side of QueueSink.
type Relay struct {
	queue   *queue.RedisQueue
	sinks   []Sink
	logger  *zap.Logger
	metrics *metrics.Collector
	poll    time.Duration
}

func NewRelay(q *queue.RedisQueue, logger *zap.Logger, collector *metrics.Collector, sinks ...Sink) *Relay {
	return &Relay{
		queue:   q,
		sinks:   sinks,
		logger:  logger,
		metrics: collector,
		poll:    DefaultPollTimeout,
	}
}

// Run pops events until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	if n, err := r.queue.Length(ctx); err == nil {
		r.logger.Info("Starting event relay", zap.Int64("backlog", n))
	}

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := r.queue.Pop(ctx, r.poll)
		switch {
		case errors.Is(err, queue.ErrTimeout):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("Failed to pop event", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.poll):
			}
			continue
		}

		event, err := decodeJob(job)
		if err != nil {
			r.logger.Warn("Dropping malformed event", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		fanOut(ctx, r.sinks, r.logger, r.metrics, event)
	}
}

func decodeJob(job *queue.Job) (Event, error) {
	var event Event
	if len(job.Payload) == 0 {
		return event, errors.New("empty payload")
	}
	if err := json.Unmarshal(job.Payload, &event); err != nil {
		return event, err
	}
	if event.IncidentID == "" {
		event.IncidentID = job.IncidentID
	}
	return event, nil
}
