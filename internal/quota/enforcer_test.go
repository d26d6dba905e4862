package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platform-core/internal/models"
	"platform-core/internal/store"
)

type fakeQuotaStore struct {
	quotas map[string]models.Quota // keyed tenant/resource/period
}

func quotaKey(tenantID, resource, period string) string {
	return tenantID + "/" + resource + "/" + period
}

func (f *fakeQuotaStore) UpsertQuota(_ context.Context, q models.Quota) (models.Quota, error) {
	if f.quotas == nil {
		f.quotas = make(map[string]models.Quota)
	}
	f.quotas[quotaKey(q.TenantID, q.ResourceType, q.Period)] = q
	return q, nil
}

func (f *fakeQuotaStore) GetQuota(_ context.Context, tenantID, resource, period string) (models.Quota, error) {
	q, ok := f.quotas[quotaKey(tenantID, resource, period)]
	if !ok {
		return models.Quota{}, store.ErrNotFound
	}
	return q, nil
}

type fakeUsage struct {
	total int64
}

func (f *fakeUsage) SumUsage(_ context.Context, _, _ string, _, _ time.Time) (int64, error) {
	return f.total, nil
}

func newTestEnforcer(t *testing.T, quotas *fakeQuotaStore, usage *fakeUsage) *Enforcer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(quotas, usage, client)
}

func TestSetQuotaValidation(t *testing.T) {
	e := newTestEnforcer(t, &fakeQuotaStore{}, &fakeUsage{})
	ctx := context.Background()

	_, err := e.SetQuota(ctx, models.Quota{ResourceType: "api_request", Period: models.PeriodDaily, LimitValue: 10})
	assert.ErrorIs(t, err, ErrInvalidQuota)

	_, err = e.SetQuota(ctx, models.Quota{TenantID: "t", ResourceType: "api_request", Period: "fortnightly", LimitValue: 10})
	assert.ErrorIs(t, err, ErrInvalidQuota)

	_, err = e.SetQuota(ctx, models.Quota{TenantID: "t", ResourceType: "api_request", Period: models.PeriodDaily, LimitValue: 0})
	assert.ErrorIs(t, err, ErrInvalidQuota)

	q, err := e.SetQuota(ctx, models.Quota{TenantID: "t", ResourceType: "api_request", Period: models.PeriodDaily, LimitValue: 100})
	require.NoError(t, err)
	assert.Equal(t, 80, q.NotificationThreshold)
}

func TestCheckWithoutQuotaAllows(t *testing.T) {
	e := newTestEnforcer(t, &fakeQuotaStore{}, &fakeUsage{total: 1_000_000})

	d, err := e.Check(context.Background(), "tenant-a", "api_request", models.PeriodDaily)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.HasQuota)
}

func TestHardLimitBlocksAtLimit(t *testing.T) {
	quotas := &fakeQuotaStore{}
	usage := &fakeUsage{total: 99}
	e := newTestEnforcer(t, quotas, usage)
	ctx := context.Background()

	_, err := e.SetQuota(ctx, models.Quota{
		TenantID:     "tenant-a",
		ResourceType: "api_request",
		Period:       models.PeriodDaily,
		LimitValue:   100,
		IsHardLimit:  true,
	})
	require.NoError(t, err)

	d, err := e.Check(ctx, "tenant-a", "api_request", models.PeriodDaily)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 99.0, d.Percentage, 0.001)

	usage.total = 100
	d, err = e.Check(ctx, "tenant-a", "api_request", models.PeriodDaily)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	err = e.Enforce(ctx, "tenant-a", "api_request")
	var exceeded ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, models.PeriodDaily, exceeded.Period)
	assert.Equal(t, int64(100), exceeded.Limit)
}

func TestSoftLimitNeverBlocks(t *testing.T) {
	quotas := &fakeQuotaStore{}
	e := newTestEnforcer(t, quotas, &fakeUsage{total: 500})
	ctx := context.Background()

	_, err := e.SetQuota(ctx, models.Quota{
		TenantID:     "tenant-a",
		ResourceType: "api_request",
		Period:       models.PeriodDaily,
		LimitValue:   100,
		IsHardLimit:  false,
	})
	require.NoError(t, err)

	d, err := e.Check(ctx, "tenant-a", "api_request", models.PeriodDaily)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 500.0, d.Percentage, 0.001)

	require.NoError(t, e.Enforce(ctx, "tenant-a", "api_request"))
}

func TestShouldNotifyFiresOncePerPeriod(t *testing.T) {
	quotas := &fakeQuotaStore{}
	usage := &fakeUsage{total: 85}
	e := newTestEnforcer(t, quotas, usage)
	ctx := context.Background()

	_, err := e.SetQuota(ctx, models.Quota{
		TenantID:     "tenant-a",
		ResourceType: "api_request",
		Period:       models.PeriodDaily,
		LimitValue:   100,
	})
	require.NoError(t, err)

	fire, err := e.ShouldNotify(ctx, "tenant-a", "api_request", models.PeriodDaily)
	require.NoError(t, err)
	assert.True(t, fire)

	// Second crossing in the same period stays quiet.
	usage.total = 95
	fire, err = e.ShouldNotify(ctx, "tenant-a", "api_request", models.PeriodDaily)
	require.NoError(t, err)
	assert.False(t, fire)
}

func TestShouldNotifyBelowThreshold(t *testing.T) {
	quotas := &fakeQuotaStore{}
	e := newTestEnforcer(t, quotas, &fakeUsage{total: 50})
	ctx := context.Background()

	_, err := e.SetQuota(ctx, models.Quota{
		TenantID:     "tenant-a",
		ResourceType: "api_request",
		Period:       models.PeriodDaily,
		LimitValue:   100,
	})
	require.NoError(t, err)

	fire, err := e.ShouldNotify(ctx, "tenant-a", "api_request", models.PeriodDaily)
	require.NoError(t, err)
	assert.False(t, fire)

	// No quota row at all: nothing to notify about.
	fire, err = e.ShouldNotify(ctx, "tenant-b", "api_request", models.PeriodDaily)
	require.NoError(t, err)
	assert.False(t, fire)
}

func TestShouldNotifyRearmsNextPeriod(t *testing.T) {
	quotas := &fakeQuotaStore{}
	e := newTestEnforcer(t, quotas, &fakeUsage{total: 90})
	ctx := context.Background()

	_, err := e.SetQuota(ctx, models.Quota{
		TenantID:     "tenant-a",
		ResourceType: "api_request",
		Period:       models.PeriodHourly,
		LimitValue:   100,
	})
	require.NoError(t, err)

	base := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	e.WithClock(func() time.Time { return base })

	fire, err := e.ShouldNotify(ctx, "tenant-a", "api_request", models.PeriodHourly)
	require.NoError(t, err)
	assert.True(t, fire)

	// A new hour means a new marker key.
	e.WithClock(func() time.Time { return base.Add(time.Hour) })
	fire, err = e.ShouldNotify(ctx, "tenant-a", "api_request", models.PeriodHourly)
	require.NoError(t, err)
	assert.True(t, fire)
}
