package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"platform-core/internal/models"
	"platform-core/internal/worker"
)

// JobTypeDelivery is the queue job type for outbound deliveries.
const JobTypeDelivery = "webhook_delivery"

// JobTypeEvent is the queue job type for inbound event processing.
const JobTypeEvent = "webhook_event"

// DeliveryPayload is the typed payload of webhook_delivery jobs.
type DeliveryPayload struct {
	URL       string          `json:"url"`
	EventType string          `json:"event_type"`
	Secret    string          `json:"secret,omitempty"`
	Body      json.RawMessage `json:"body"`
}

// DeliveryResult is stored on the job when a delivery succeeds.
type DeliveryResult struct {
	StatusCode int   `json:"status_code"`
	DurationMS int64 `json:"duration_ms"`
}

// DeliveryRecorder receives delivery outcomes. Implemented by
// *telemetry.Collector.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, eventType, outcome string, latencySeconds float64, attempt int) error
}

// Deliverer posts signed outbound webhooks. Retries ride the job queue: a
// transient outcome returns a plain error, an unrecoverable one is wrapped
// terminal so the queue fails the job immediately.
type Deliverer struct {
	client  *http.Client
	metrics DeliveryRecorder
	log     *logrus.Logger
}

func NewDeliverer(client *http.Client, metrics DeliveryRecorder, log *logrus.Logger) *Deliverer {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Deliverer{client: client, metrics: metrics, log: log}
}

// Handle implements the worker handler for webhook_delivery jobs.
func (d *Deliverer) Handle(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var p DeliveryPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, worker.Terminal(fmt.Errorf("decode delivery payload: %w", err))
	}
	if p.URL == "" {
		return nil, worker.Terminal(fmt.Errorf("delivery payload missing url"))
	}
	if len(p.Body) == 0 {
		p.Body = json.RawMessage(`{}`)
	}
	attempt := job.Attempts + 1

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(p.Body))
	if err != nil {
		return nil, worker.Terminal(fmt.Errorf("build delivery request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", p.EventType)
	if p.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(p.Body, p.Secret))
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		d.record(ctx, p.EventType, "failed", latency, attempt)
		return nil, fmt.Errorf("deliver %s: %w", p.URL, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		d.record(ctx, p.EventType, "success", latency, attempt)
		result, err := json.Marshal(DeliveryResult{
			StatusCode: resp.StatusCode,
			DurationMS: latency.Milliseconds(),
		})
		if err != nil {
			return nil, fmt.Errorf("marshal delivery result: %w", err)
		}
		return result, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		d.record(ctx, p.EventType, "failed", latency, attempt)
		return nil, fmt.Errorf("deliver %s: status %d", p.URL, resp.StatusCode)
	default:
		// Other 4xx means the receiver rejected the payload; retrying the
		// same bytes cannot help.
		d.record(ctx, p.EventType, "failed", latency, attempt)
		return nil, worker.Terminal(fmt.Errorf("deliver %s: status %d", p.URL, resp.StatusCode))
	}
}

func (d *Deliverer) record(ctx context.Context, eventType, outcome string, latency time.Duration, attempt int) {
	if d.metrics == nil {
		return
	}
	if err := d.metrics.RecordDelivery(ctx, eventType, outcome, latency.Seconds(), attempt); err != nil && d.log != nil {
		d.log.WithError(err).Warn("record delivery metric")
	}
}

// EventJobPayload is the typed payload of webhook_event jobs enqueued by the
// inbound endpoint.
type EventJobPayload struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
}

// HandleEventJob marks an inbound event processed. Receipt was recorded by
// the endpoint; keeping completion in a job means a crash before this point
// simply retries the marking.
func (i *Ingestor) HandleEventJob(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var p EventJobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, worker.Terminal(fmt.Errorf("decode event payload: %w", err))
	}
	if p.EventID == "" {
		return nil, worker.Terminal(fmt.Errorf("event payload missing event_id"))
	}
	if err := i.MarkProcessed(ctx, p.EventID); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"event_id": p.EventID, "processed": true})
}
