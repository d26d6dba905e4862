package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"platform-core/internal/models"
)

// UpsertQuota creates or replaces the single active quota for the
// (tenant, resource, period) triple.
func (s *Store) UpsertQuota(ctx context.Context, q models.Quota) (models.Quota, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quotas (tenant_id, resource_type, period, limit_value, is_hard_limit, notification_threshold, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (tenant_id, resource_type, period) DO UPDATE SET
			limit_value = EXCLUDED.limit_value,
			is_hard_limit = EXCLUDED.is_hard_limit,
			notification_threshold = EXCLUDED.notification_threshold,
			updated_at = EXCLUDED.updated_at
	`, q.TenantID, q.ResourceType, q.Period, q.LimitValue, q.IsHardLimit, q.NotificationThreshold, now)
	if err != nil {
		return models.Quota{}, fmt.Errorf("upsert quota: %w", err)
	}
	return s.GetQuota(ctx, q.TenantID, q.ResourceType, q.Period)
}

const quotaColumns = `tenant_id, resource_type, period, limit_value, is_hard_limit, notification_threshold, created_at, updated_at`

// GetQuota fetches the quota for an exact (tenant, resource, period) triple.
func (s *Store) GetQuota(ctx context.Context, tenantID, resource, period string) (models.Quota, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+quotaColumns+` FROM quotas
		WHERE tenant_id = $1 AND resource_type = $2 AND period = $3
	`, tenantID, resource, period)
	return scanQuota(row)
}

// FindTenantResourceQuota returns the tenant's quota for a resource
// regardless of period, preferring the shortest period when several exist.
// Used to derive per-tenant rate-limit overrides.
func (s *Store) FindTenantResourceQuota(ctx context.Context, tenantID, resource string) (models.Quota, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+quotaColumns+` FROM quotas
		WHERE tenant_id = $1 AND resource_type = $2
		ORDER BY CASE period
			WHEN 'hourly' THEN 1
			WHEN 'daily' THEN 2
			WHEN 'weekly' THEN 3
			WHEN 'monthly' THEN 4
			ELSE 5 END
		LIMIT 1
	`, tenantID, resource)
	return scanQuota(row)
}

// SumUsage aggregates usage-event quantities for the tenant/resource inside
// [from, to). The usage ledger is written by the external usage tracker; this
// is read-only.
func (s *Store) SumUsage(ctx context.Context, tenantID, resource string, from, to time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM usage_events
		WHERE tenant_id = $1 AND resource_type = $2 AND created_at >= $3 AND created_at < $4
	`, tenantID, resource, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total, nil
}

func scanQuota(row pgx.Row) (models.Quota, error) {
	var q models.Quota
	err := row.Scan(&q.TenantID, &q.ResourceType, &q.Period, &q.LimitValue,
		&q.IsHardLimit, &q.NotificationThreshold, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Quota{}, ErrNotFound
	}
	if err != nil {
		return models.Quota{}, fmt.Errorf("scan quota: %w", err)
	}
	return q, nil
}
