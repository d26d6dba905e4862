package models

import (
	"encoding/json"
	"time"
)

// WebhookEvent is an inbound delivery keyed by its external event id.
// The id is the sole idempotency guard: a second insert with the same id is
// rejected at the storage layer, never overwritten.
type WebhookEvent struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	ReceivedAt  time.Time       `json:"received_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}
