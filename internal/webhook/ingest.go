package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"platform-core/internal/models"
	"platform-core/internal/store"
)

var (
	// ErrDuplicateEvent signals the event id was already stored. Callers
	// treat it as already-handled, not as a failure.
	ErrDuplicateEvent = errors.New("webhook: duplicate event")

	// ErrNotFound mirrors the store sentinel.
	ErrNotFound = store.ErrNotFound
)

// EventLedger is the uniqueness-enforcing event store. Implemented by
// *store.Store; tests substitute an in-memory fake.
type EventLedger interface {
	InsertWebhookEvent(ctx context.Context, eventID, eventType string, payload json.RawMessage) (bool, error)
	GetWebhookEvent(ctx context.Context, eventID string) (models.WebhookEvent, error)
	MarkWebhookEventProcessed(ctx context.Context, eventID string) error
}

// Ingestor tracks receipt and completion of inbound events separately, so a
// crash between the two loses nothing and retrying the processing step stays
// safe.
type Ingestor struct {
	ledger EventLedger
}

func NewIngestor(ledger EventLedger) *Ingestor {
	return &Ingestor{ledger: ledger}
}

// StoreEvent inserts the event, enforcing uniqueness at write time. The
// second store of an id returns ErrDuplicateEvent; the row is never
// overwritten.
func (i *Ingestor) StoreEvent(ctx context.Context, eventID, eventType string, payload json.RawMessage) (string, error) {
	if eventID == "" {
		return "", fmt.Errorf("webhook: event id is required")
	}
	if eventType == "" {
		return "", fmt.Errorf("webhook: event type is required")
	}
	created, err := i.ledger.InsertWebhookEvent(ctx, eventID, eventType, payload)
	if err != nil {
		return "", err
	}
	if !created {
		return "", ErrDuplicateEvent
	}
	return eventID, nil
}

// Get returns the stored event.
func (i *Ingestor) Get(ctx context.Context, eventID string) (models.WebhookEvent, error) {
	return i.ledger.GetWebhookEvent(ctx, eventID)
}

// IsProcessed reports whether downstream processing has completed.
func (i *Ingestor) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	ev, err := i.ledger.GetWebhookEvent(ctx, eventID)
	if err != nil {
		return false, err
	}
	return ev.ProcessedAt != nil, nil
}

// MarkProcessed stamps completion of downstream processing.
func (i *Ingestor) MarkProcessed(ctx context.Context, eventID string) error {
	return i.ledger.MarkWebhookEventProcessed(ctx, eventID)
}
