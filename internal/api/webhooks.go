package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"platform-core/internal/queue"
	"platform-core/internal/webhook"
)

const maxInboundBodyBytes = 1 << 20

// handleInboundWebhook implements the provider-facing ingestion contract:
// method, content type, body, field, clock-skew and signature checks run in
// that order, then the idempotency-guarded store, then the processing job.
func (s *Server) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty_body")
		return
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	event, ok := fields["event"].(string)
	if !ok || event == "" {
		writeError(w, http.StatusBadRequest, "invalid_event")
		return
	}
	ts, ok := timestampField(fields["timestamp"])
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_timestamp")
		return
	}

	now := time.Now().UTC()
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.cfg.WebhookSkewTolerance {
		writeError(w, http.StatusUnprocessableEntity, "timestamp_out_of_range")
		return
	}

	if s.cfg.WebhookSecret != "" {
		sig := r.Header.Get("X-Webhook-Signature")
		if !webhook.Verify(body, sig, s.cfg.WebhookSecret) {
			writeError(w, http.StatusUnauthorized, "invalid_signature")
			return
		}
	}

	eventID := inboundEventID(r, fields, body)
	_, err = s.deps.Ingestor.StoreEvent(r.Context(), eventID, event, body)
	switch {
	case errors.Is(err, webhook.ErrDuplicateEvent):
		// Already received: answer as handled, but re-arm processing if the
		// first attempt never completed.
		processed, perr := s.deps.Ingestor.IsProcessed(r.Context(), eventID)
		if perr == nil && !processed {
			s.enqueueEventJob(r, eventID, event)
		}
	case err != nil:
		s.deps.Log.WithError(err).Error("store webhook event")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	default:
		s.enqueueEventJob(r, eventID, event)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "received",
		"event":       event,
		"received_at": now.Unix(),
	})
}

func (s *Server) handleGetWebhookEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Ingestor.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, webhook.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.deps.Log.WithError(err).Error("get webhook event")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) enqueueEventJob(r *http.Request, eventID, eventType string) {
	_, err := s.deps.Queue.Enqueue(r.Context(), queue.EnqueueParams{
		Type:    webhook.JobTypeEvent,
		Payload: webhook.EventJobPayload{EventID: eventID, EventType: eventType},
	})
	if err != nil {
		// The event itself is stored; the reclaim-free retry path is a
		// redelivery hitting the duplicate branch above.
		s.deps.Log.WithError(err).WithField("event_id", eventID).Warn("enqueue event job")
	}
}

// inboundEventID prefers the body's event_id, then the X-Event-ID header,
// then a digest of the raw body so identical redeliveries still dedupe.
func inboundEventID(r *http.Request, fields map[string]any, body []byte) string {
	if id, ok := fields["event_id"].(string); ok && id != "" {
		return id
	}
	if id := r.Header.Get("X-Event-ID"); id != "" {
		return id
	}
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// timestampField accepts a unix-seconds timestamp as a JSON number or a
// numeric string.
func timestampField(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		if t <= 0 || t != math.Trunc(t) {
			return 0, false
		}
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil || n <= 0 {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
