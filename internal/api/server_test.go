package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platform-core/internal/config"
	"platform-core/internal/models"
	"platform-core/internal/queue"
	"platform-core/internal/quota"
	"platform-core/internal/ratelimit"
	"platform-core/internal/store"
	"platform-core/internal/telemetry"
	"platform-core/internal/webhook"
)

// In-memory stand-ins for the Postgres store, one per consumer interface.

type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newMemJobStore() *memJobStore { return &memJobStore{jobs: make(map[string]*models.Job)} }

func (m *memJobStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := &models.Job{
		ID:          p.ID,
		Type:        p.Type,
		Payload:     p.Payload,
		Status:      models.StatusPending,
		MaxAttempts: p.MaxAttempts,
		AvailableAt: p.AvailableAt,
		CreatedAt:   time.Now().UTC(),
	}
	m.jobs[p.ID] = job
	return *job, nil
}

func (m *memJobStore) ClaimNextJob(context.Context) (models.Job, bool, error) {
	return models.Job{}, false, nil
}

func (m *memJobStore) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return *j, nil
}

func (m *memJobStore) CompleteJob(context.Context, string, json.RawMessage) error { return nil }
func (m *memJobStore) RequeueJob(context.Context, string, int, time.Time, string) error {
	return nil
}
func (m *memJobStore) FailJob(context.Context, string, string) error { return nil }

func (m *memJobStore) JobCounts(context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int64)
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (m *memJobStore) ReclaimStaleJobs(context.Context, time.Duration) ([]string, error) {
	return nil, nil
}

func (m *memJobStore) byType(jobType string) []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if j.Type == jobType {
			out = append(out, *j)
		}
	}
	return out
}

type memLedger struct {
	mu     sync.Mutex
	events map[string]*models.WebhookEvent
}

func newMemLedger() *memLedger { return &memLedger{events: make(map[string]*models.WebhookEvent)} }

func (m *memLedger) InsertWebhookEvent(_ context.Context, eventID, eventType string, payload json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
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
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventID]
	if !ok {
		return models.WebhookEvent{}, store.ErrNotFound
	}
	return *ev, nil
}

func (m *memLedger) MarkWebhookEventProcessed(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
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

type memQuotaStore struct {
	quotas map[string]models.Quota
}

func qkey(tenantID, resource, period string) string {
	return tenantID + "/" + resource + "/" + period
}

func (m *memQuotaStore) UpsertQuota(_ context.Context, q models.Quota) (models.Quota, error) {
	if m.quotas == nil {
		m.quotas = make(map[string]models.Quota)
	}
	m.quotas[qkey(q.TenantID, q.ResourceType, q.Period)] = q
	return q, nil
}

func (m *memQuotaStore) GetQuota(_ context.Context, tenantID, resource, period string) (models.Quota, error) {
	q, ok := m.quotas[qkey(tenantID, resource, period)]
	if !ok {
		return models.Quota{}, store.ErrNotFound
	}
	return q, nil
}

func (m *memQuotaStore) FindTenantResourceQuota(_ context.Context, tenantID, resource string) (models.Quota, error) {
	for _, period := range []string{models.PeriodHourly, models.PeriodDaily, models.PeriodWeekly, models.PeriodMonthly} {
		if q, ok := m.quotas[qkey(tenantID, resource, period)]; ok {
			return q, nil
		}
	}
	return models.Quota{}, store.ErrNotFound
}

type memUsage struct{ total int64 }

func (m *memUsage) SumUsage(context.Context, string, string, time.Time, time.Time) (int64, error) {
	return m.total, nil
}

type memObservations struct {
	rows []models.MetricObservation
}

func (m *memObservations) AppendMetric(_ context.Context, obs models.MetricObservation) error {
	m.rows = append(m.rows, obs)
	return nil
}

func (m *memObservations) ListMetricsSince(context.Context, time.Time) ([]models.MetricObservation, error) {
	return m.rows, nil
}

func (m *memObservations) DeleteMetricsBefore(context.Context, time.Time) (int64, error) {
	n := int64(len(m.rows))
	m.rows = nil
	return n, nil
}

type testEnv struct {
	server  *Server
	router  http.Handler
	jobs    *memJobStore
	ledger  *memLedger
	quotas  *memQuotaStore
	usage   *memUsage
	metrics *memObservations
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := &testEnv{
		jobs:    newMemJobStore(),
		ledger:  newMemLedger(),
		quotas:  &memQuotaStore{},
		usage:   &memUsage{},
		metrics: &memObservations{},
	}
	window := ratelimit.NewWindow(client)
	env.server = New(cfg, Deps{
		Queue:    queue.New(env.jobs, queue.Options{}),
		Window:   window,
		Resolver: ratelimit.NewResolver(env.quotas, window),
		Quotas:   quota.New(env.quotas, env.usage, client),
		Metrics:  telemetry.NewCollector(env.metrics, nil),
		Ingestor: webhook.NewIngestor(env.ledger),
	})
	env.router = env.server.Router()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		encoded, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEnqueueAndFetchJob(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	rec := env.do(t, http.MethodPost, "/jobs", map[string]any{
		"type":    "webhook_delivery",
		"payload": map[string]string{"url": "https://example.com/hook"},
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var job models.Job
	decodeBody(t, rec, &job)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, 3, job.MaxAttempts)

	rec = env.do(t, http.MethodGet, "/jobs/"+job.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/jobs/does-not-exist", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnqueueValidation(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	rec := env.do(t, http.MethodPost, "/jobs", "not json", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/jobs", map[string]any{"payload": map[string]string{}}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueRateLimited(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	// Tight per-hour override for this tenant.
	_, err := env.quotas.UpsertQuota(context.Background(), models.Quota{
		TenantID:     "tenant-a",
		ResourceType: "job_enqueue",
		Period:       models.PeriodHourly,
		LimitValue:   2,
	})
	require.NoError(t, err)

	headers := map[string]string{"X-Tenant-ID": "tenant-a"}
	body := map[string]any{"type": "task"}

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/jobs", body, headers)
		require.Equal(t, http.StatusAccepted, rec.Code, "request %d", i)
	}

	rec := env.do(t, http.MethodPost, "/jobs", body, headers)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var resp map[string]any
	decodeBody(t, rec, &resp)
	assert.Equal(t, "rate_limit_exceeded", resp["error"])
	assert.NotZero(t, resp["retry_after"])

	// Other tenants are unaffected.
	rec = env.do(t, http.MethodPost, "/jobs", body, map[string]string{"X-Tenant-ID": "tenant-b"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestEnqueueQuotaExceeded(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	_, err := env.quotas.UpsertQuota(context.Background(), models.Quota{
		TenantID:     "tenant-a",
		ResourceType: "job_enqueue",
		Period:       models.PeriodDaily,
		LimitValue:   100,
		IsHardLimit:  true,
	})
	require.NoError(t, err)
	env.usage.total = 100

	rec := env.do(t, http.MethodPost, "/jobs", map[string]any{"type": "task"},
		map[string]string{"X-Tenant-ID": "tenant-a"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var resp map[string]any
	decodeBody(t, rec, &resp)
	assert.Equal(t, "quota_exceeded", resp["error"])
	assert.Equal(t, "daily", resp["period"])
}

func TestSetAndCheckQuota(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	rec := env.do(t, http.MethodPut, "/admin/quotas", map[string]any{
		"tenant_id":     "tenant-a",
		"resource_type": "api_request",
		"period":        "daily",
		"limit_value":   1000,
		"is_hard_limit": true,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var q models.Quota
	decodeBody(t, rec, &q)
	assert.Equal(t, 80, q.NotificationThreshold)

	env.usage.total = 250
	rec = env.do(t, http.MethodGet, "/admin/quotas/tenant-a/api_request/daily", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var d quota.Decision
	decodeBody(t, rec, &d)
	assert.True(t, d.Allowed)
	assert.True(t, d.HasQuota)
	assert.InDelta(t, 25.0, d.Percentage, 0.001)
}

func TestSetQuotaRejectsBadPeriod(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	rec := env.do(t, http.MethodPut, "/admin/quotas", map[string]any{
		"tenant_id":     "tenant-a",
		"resource_type": "api_request",
		"period":        "fortnightly",
		"limit_value":   1000,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitStatusAndClear(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	headers := map[string]string{"X-Tenant-ID": "tenant-a"}

	rec := env.do(t, http.MethodPost, "/jobs", map[string]any{"type": "task"}, headers)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/tenants/tenant-a/rate-limits", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Resources []ratelimit.ResourceStatus `json:"resources"`
	}
	decodeBody(t, rec, &status)
	require.NotEmpty(t, status.Resources)
	var enqueue *ratelimit.ResourceStatus
	for i := range status.Resources {
		if status.Resources[i].Resource == "job_enqueue" {
			enqueue = &status.Resources[i]
		}
	}
	require.NotNil(t, enqueue)
	assert.Equal(t, int64(1), enqueue.Current)

	rec = env.do(t, http.MethodDelete, "/admin/tenants/tenant-a/rate-limits/job_enqueue", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/tenants/tenant-a/rate-limits", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &status)
	for _, st := range status.Resources {
		if st.Resource == "job_enqueue" {
			assert.Equal(t, int64(0), st.Current)
		}
	}
}

func TestStatisticsEndpoint(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	require.NoError(t, env.server.deps.Metrics.RecordDelivery(context.Background(), "user.created", "success", 0.1, 1))

	rec := env.do(t, http.MethodGet, "/admin/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats telemetry.Statistics
	decodeBody(t, rec, &stats)
	assert.Equal(t, int64(1), stats.Deliveries.Total)
	assert.InDelta(t, 100.0, stats.Deliveries.SuccessRate, 0.001)
}

func TestCleanMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, config.Config{MetricsRetentionDays: 30})

	rec := env.do(t, http.MethodPost, "/admin/metrics/clean?days=0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/admin/metrics/clean", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int64
	decodeBody(t, rec, &resp)
	assert.Equal(t, int64(0), resp["deleted"])
}

func TestMetricsExposition(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	require.NoError(t, env.server.deps.Metrics.RecordDelivery(context.Background(), "user.created", "success", 0.1, 1))

	rec := env.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "webhook_deliveries_total")
}
