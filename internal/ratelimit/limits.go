package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"platform-core/internal/models"
	"platform-core/internal/store"
)

// LimitPolicy is an effective limit for one resource.
type LimitPolicy struct {
	Limit         int `json:"limit"`
	WindowSeconds int `json:"window_seconds"`
}

// Built-in per-resource defaults, used when a tenant carries no override.
var defaultLimits = map[string]LimitPolicy{
	"api_request":      {Limit: 120, WindowSeconds: 60},
	"chat_message":     {Limit: 60, WindowSeconds: 60},
	"job_enqueue":      {Limit: 60, WindowSeconds: 60},
	"webhook_delivery": {Limit: 30, WindowSeconds: 60},
}

var fallbackLimit = LimitPolicy{Limit: 60, WindowSeconds: 60}

// QuotaSource resolves persisted tenant overrides. Implemented by
// *store.Store.
type QuotaSource interface {
	FindTenantResourceQuota(ctx context.Context, tenantID, resource string) (models.Quota, error)
}

// Resolver maps (tenant, resource) to an effective limit: a persisted quota
// row (period mapped to window seconds) beats the built-in default table.
type Resolver struct {
	quotas QuotaSource
	window *Window
}

func NewResolver(quotas QuotaSource, window *Window) *Resolver {
	return &Resolver{quotas: quotas, window: window}
}

// EffectiveLimit returns the limit that applies to the tenant and resource.
func (r *Resolver) EffectiveLimit(ctx context.Context, tenantID, resource string) (LimitPolicy, error) {
	if r.quotas != nil {
		q, err := r.quotas.FindTenantResourceQuota(ctx, tenantID, resource)
		switch {
		case err == nil:
			return LimitPolicy{Limit: int(q.LimitValue), WindowSeconds: models.PeriodSeconds(q.Period)}, nil
		case !errors.Is(err, store.ErrNotFound):
			return LimitPolicy{}, fmt.Errorf("resolve tenant limit: %w", err)
		}
	}
	if p, ok := defaultLimits[resource]; ok {
		return p, nil
	}
	return fallbackLimit, nil
}

// ResourceStatus is the per-resource view returned by TenantStatus.
type ResourceStatus struct {
	Resource      string `json:"resource"`
	Limit         int    `json:"limit"`
	WindowSeconds int    `json:"window_seconds"`
	Current       int64  `json:"current"`
	Remaining     int64  `json:"remaining"`
	Allowed       bool   `json:"allowed"`
}

// TenantStatus reports the tenant's standing against every known resource.
func (r *Resolver) TenantStatus(ctx context.Context, tenantID string) ([]ResourceStatus, error) {
	resources := make([]string, 0, len(defaultLimits))
	for res := range defaultLimits {
		resources = append(resources, res)
	}
	sort.Strings(resources)

	out := make([]ResourceStatus, 0, len(resources))
	for _, res := range resources {
		policy, err := r.EffectiveLimit(ctx, tenantID, res)
		if err != nil {
			return nil, err
		}
		st, err := r.window.Check(ctx, tenantID, res, policy.Limit, policy.WindowSeconds)
		if err != nil {
			return nil, err
		}
		out = append(out, ResourceStatus{
			Resource:      res,
			Limit:         policy.Limit,
			WindowSeconds: policy.WindowSeconds,
			Current:       st.Current,
			Remaining:     st.Remaining,
			Allowed:       st.Allowed,
		})
	}
	return out, nil
}
