package webhook

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platform-core/internal/models"
	"platform-core/internal/store"
)

// memLedger reproduces the store's insert-if-absent and mark-once semantics.
type memLedger struct {
	events map[string]*models.WebhookEvent
}

func newMemLedger() *memLedger {
	return &memLedger{events: make(map[string]*models.WebhookEvent)}
}

func (m *memLedger) InsertWebhookEvent(_ context.Context, eventID, eventType string, payload json.RawMessage) (bool, error) {
	if _, ok := m.events[eventID]; ok {
		return false, nil
	}
	m.events[eventID] = &models.WebhookEvent{
		EventID:    eventID,
		EventType:  eventType,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
	return true, nil
}

func (m *memLedger) GetWebhookEvent(_ context.Context, eventID string) (models.WebhookEvent, error) {
	ev, ok := m.events[eventID]
	if !ok {
		return models.WebhookEvent{}, store.ErrNotFound
	}
	return *ev, nil
}

func (m *memLedger) MarkWebhookEventProcessed(_ context.Context, eventID string) error {
	ev, ok := m.events[eventID]
	if !ok {
		return store.ErrNotFound
	}
	if ev.ProcessedAt == nil {
		now := time.Now().UTC()
		ev.ProcessedAt = &now
	}
	return nil
}

func TestStoreEventRejectsDuplicates(t *testing.T) {
	ing := NewIngestor(newMemLedger())
	ctx := context.Background()

	id, err := ing.StoreEvent(ctx, "evt-1", "user.created", json.RawMessage(`{"id":1}`))
	require.NoError(t, err)
	assert.Equal(t, "evt-1", id)

	_, err = ing.StoreEvent(ctx, "evt-1", "user.created", json.RawMessage(`{"id":1}`))
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	// The original row is untouched.
	ev, err := ing.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1}`, string(ev.Payload))
}

func TestStoreEventValidation(t *testing.T) {
	ing := NewIngestor(newMemLedger())
	ctx := context.Background()

	_, err := ing.StoreEvent(ctx, "", "user.created", nil)
	assert.Error(t, err)

	_, err = ing.StoreEvent(ctx, "evt-1", "", nil)
	assert.Error(t, err)
}

func TestProcessedTransition(t *testing.T) {
	ing := NewIngestor(newMemLedger())
	ctx := context.Background()

	_, err := ing.StoreEvent(ctx, "evt-1", "user.created", json.RawMessage(`{}`))
	require.NoError(t, err)

	done, err := ing.IsProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, ing.MarkProcessed(ctx, "evt-1"))
	done, err = ing.IsProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, done)

	_, err = ing.IsProcessed(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandleEventJob(t *testing.T) {
	ing := NewIngestor(newMemLedger())
	ctx := context.Background()

	_, err := ing.StoreEvent(ctx, "evt-1", "user.created", json.RawMessage(`{}`))
	require.NoError(t, err)

	payload, err := json.Marshal(EventJobPayload{EventID: "evt-1", EventType: "user.created"})
	require.NoError(t, err)

	result, err := ing.HandleEventJob(ctx, models.Job{Payload: payload})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event_id":"evt-1","processed":true}`, string(result))

	done, err := ing.IsProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestHandleEventJobBadPayloadIsTerminal(t *testing.T) {
	ing := NewIngestor(newMemLedger())
	ctx := context.Background()

	_, err := ing.HandleEventJob(ctx, models.Job{Payload: json.RawMessage(`not json`)})
	require.Error(t, err)
	assert.True(t, isTerminal(err))

	_, err = ing.HandleEventJob(ctx, models.Job{Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.True(t, isTerminal(err))
}
