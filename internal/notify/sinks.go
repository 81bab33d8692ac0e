package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/uptime-sentinel/internal/queue"
	"go.uber.org/zap"
)

type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, event Event) error {
	s.logger.Info("Incident event",
		zap.String("incident_id", event.IncidentID),
		zap.String("monitor_id", event.MonitorID),
		zap.String("transition", string(event.Transition)),
		zap.String("severity", event.Severity),
		zap.String("title", event.Title),
		zap.Time("at", event.At),
	)
	return nil
}

// QueueSink pushes events onto the redis queue consumed by the
// notification layer.
type QueueSink struct {
	queue *queue.RedisQueue
}

func NewQueueSink(q *queue.RedisQueue) *QueueSink {
	return &QueueSink{queue: q}
}

func (s *QueueSink) Name() string { return "queue" }

func (s *QueueSink) Send(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.queue.Push(ctx, &queue.Job{
		ID:         uuid.New().String(),
		Type:       string(event.Transition),
		IncidentID: event.IncidentID,
		MonitorID:  event.MonitorID,
		ProjectID:  event.ProjectID,
		Payload:    payload,
		CreatedAt:  event.At,
	})
}

type WebhookSink struct {
	url     string
	client  *http.Client
	retries int
	backoff time.Duration
}

func NewWebhookSink(url string, timeout time.Duration, retries int) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &WebhookSink{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		retries: retries,
		backoff: 500 * time.Millisecond,
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

// Send posts the event, retrying 5xx responses and transport errors with
// exponential backoff.
func (s *WebhookSink) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var lastErr error
	delay := s.backoff
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		retry, err := s.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return fmt.Errorf("webhook delivery failed: %w", lastErr)
}

func (s *WebhookSink) post(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook returned %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return false, fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return false, nil
}
