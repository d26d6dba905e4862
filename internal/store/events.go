package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"platform-core/internal/models"
)

// InsertWebhookEvent stores an inbound event. The event_id primary key is the
// idempotency guard: the conflict clause makes the duplicate decision at write
// time, so two racing deliveries resolve to exactly one inserted row.
// Returns created=false when the id already exists.
func (s *Store) InsertWebhookEvent(ctx context.Context, eventID, eventType string, payload json.RawMessage) (bool, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, payload, received_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType, payload)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetWebhookEvent fetches an event by its external id.
func (s *Store) GetWebhookEvent(ctx context.Context, eventID string) (models.WebhookEvent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT event_id, event_type, payload, received_at, processed_at
		FROM webhook_events WHERE event_id = $1
	`, eventID)

	var ev models.WebhookEvent
	var payload []byte
	var processedAt pgtype.Timestamptz
	err := row.Scan(&ev.EventID, &ev.EventType, &payload, &ev.ReceivedAt, &processedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WebhookEvent{}, ErrNotFound
	}
	if err != nil {
		return models.WebhookEvent{}, fmt.Errorf("get webhook event: %w", err)
	}
	ev.Payload = payload
	if processedAt.Valid {
		t := processedAt.Time
		ev.ProcessedAt = &t
	}
	return ev, nil
}

// MarkWebhookEventProcessed stamps processed_at once downstream processing
// completes. Already-processed events keep their original stamp.
func (s *Store) MarkWebhookEventProcessed(ctx context.Context, eventID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET processed_at = NOW()
		WHERE event_id = $1 AND processed_at IS NULL
	`, eventID)
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from already processed.
		if _, gerr := s.GetWebhookEvent(ctx, eventID); gerr != nil {
			return gerr
		}
	}
	return nil
}
