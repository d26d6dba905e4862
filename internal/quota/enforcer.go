package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"platform-core/internal/models"
	"platform-core/internal/store"
)

// ErrInvalidQuota marks malformed quota administration input.
var ErrInvalidQuota = errors.New("quota: invalid quota definition")

// ExceededError reports a hard-limit breach. There is no retry-after: the
// caller is blocked until the period rolls over.
type ExceededError struct {
	TenantID string
	Resource string
	Period   string
	Limit    int64
	Current  int64
}

func (e ExceededError) Error() string {
	return fmt.Sprintf("quota: tenant %q resource %q exceeded %s limit (%d/%d)",
		e.TenantID, e.Resource, e.Period, e.Current, e.Limit)
}

// QuotaStore persists quota definitions. Implemented by *store.Store.
type QuotaStore interface {
	UpsertQuota(ctx context.Context, q models.Quota) (models.Quota, error)
	GetQuota(ctx context.Context, tenantID, resource, period string) (models.Quota, error)
}

// UsageReader is the read side of the external usage ledger. The enforcer
// never writes usage.
type UsageReader interface {
	SumUsage(ctx context.Context, tenantID, resource string, from, to time.Time) (int64, error)
}

// Notifier delivers threshold warnings. External, fire-and-forget.
type Notifier interface {
	Send(ctx context.Context, tenantID, resource, period string, percentage float64) error
}

// Enforcer aggregates period-bounded usage and makes hard/soft limit
// decisions. Notify-once state lives in Redis so multiple processes do not
// re-fire warnings for the same period.
type Enforcer struct {
	quotas QuotaStore
	usage  UsageReader
	marks  *redis.Client
	now    func() time.Time
}

func New(quotas QuotaStore, usage UsageReader, marks *redis.Client) *Enforcer {
	return &Enforcer{
		quotas: quotas,
		usage:  usage,
		marks:  marks,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source, for tests.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// SetQuota upserts the single active quota for (tenant, resource, period).
func (e *Enforcer) SetQuota(ctx context.Context, q models.Quota) (models.Quota, error) {
	if q.TenantID == "" || q.ResourceType == "" {
		return models.Quota{}, fmt.Errorf("%w: tenant and resource are required", ErrInvalidQuota)
	}
	if !models.ValidPeriod(q.Period) {
		return models.Quota{}, fmt.Errorf("%w: unknown period %q", ErrInvalidQuota, q.Period)
	}
	if q.LimitValue < 1 {
		return models.Quota{}, fmt.Errorf("%w: limit must be positive", ErrInvalidQuota)
	}
	if q.NotificationThreshold == 0 {
		q.NotificationThreshold = 80
	}
	if q.NotificationThreshold < 1 || q.NotificationThreshold > 100 {
		return models.Quota{}, fmt.Errorf("%w: notification threshold must be 1-100", ErrInvalidQuota)
	}
	return e.quotas.UpsertQuota(ctx, q)
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed    bool    `json:"allowed"`
	HasQuota   bool    `json:"has_quota"`
	Current    int64   `json:"current"`
	Limit      int64   `json:"limit"`
	Percentage float64 `json:"percentage"`
}

// Check aggregates usage over the period's current UTC window and decides.
// Absent quota rows always allow; soft limits always allow.
func (e *Enforcer) Check(ctx context.Context, tenantID, resource, period string) (Decision, error) {
	q, err := e.quotas.GetQuota(ctx, tenantID, resource, period)
	if errors.Is(err, store.ErrNotFound) {
		return Decision{Allowed: true}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	from, to := models.PeriodWindow(period, e.now())
	current, err := e.usage.SumUsage(ctx, tenantID, resource, from, to)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		HasQuota: true,
		Current:  current,
		Limit:    q.LimitValue,
	}
	if q.LimitValue > 0 {
		d.Percentage = 100 * float64(current) / float64(q.LimitValue)
	}
	d.Allowed = !(q.IsHardLimit && current >= q.LimitValue)
	return d, nil
}

// Enforce rejects when any hard quota for the resource is exhausted, checking
// every period a quota row exists for.
func (e *Enforcer) Enforce(ctx context.Context, tenantID, resource string) error {
	for _, period := range []string{models.PeriodHourly, models.PeriodDaily, models.PeriodWeekly, models.PeriodMonthly} {
		d, err := e.Check(ctx, tenantID, resource, period)
		if err != nil {
			return err
		}
		if !d.Allowed {
			return ExceededError{
				TenantID: tenantID,
				Resource: resource,
				Period:   period,
				Limit:    d.Limit,
				Current:  d.Current,
			}
		}
	}
	return nil
}

// ShouldNotify reports whether usage crossed the notification threshold, at
// most once per period. The SETNX marker expires with the period, so a fresh
// period re-arms the warning.
func (e *Enforcer) ShouldNotify(ctx context.Context, tenantID, resource, period string) (bool, error) {
	q, err := e.quotas.GetQuota(ctx, tenantID, resource, period)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	from, to := models.PeriodWindow(period, e.now())
	current, err := e.usage.SumUsage(ctx, tenantID, resource, from, to)
	if err != nil {
		return false, err
	}
	if q.LimitValue < 1 {
		return false, nil
	}
	pct := 100 * float64(current) / float64(q.LimitValue)
	if pct < float64(q.NotificationThreshold) {
		return false, nil
	}

	key := fmt.Sprintf("quota:notified:%s:%s:%s:%d", tenantID, resource, period, from.Unix())
	ttl := to.Sub(e.now())
	if ttl <= 0 {
		ttl = time.Minute
	}
	set, err := e.marks.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set notify marker: %w", err)
	}
	return set, nil
}
