package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LimitExceededError reports an admission rejection with a retry hint.
type LimitExceededError struct {
	TenantID   string
	Resource   string
	Limit      int
	Current    int64
	RetryAfter time.Duration
}

func (e LimitExceededError) Error() string {
	return fmt.Sprintf("ratelimit: tenant %q resource %q at %d/%d, retry after %s",
		e.TenantID, e.Resource, e.Current, e.Limit, e.RetryAfter)
}

// Window implements distributed sliding-window counters in Redis sorted sets.
// Each (tenant, resource, window) key holds request timestamps as scores;
// "current" is the cardinality within [now - window, now].
type Window struct {
	client *redis.Client
	now    func() time.Time
}

// NewWindow constructs a window counter over the given Redis client.
func NewWindow(client *redis.Client) *Window {
	return &Window{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source, for tests.
func (w *Window) WithClock(now func() time.Time) *Window {
	w.now = now
	return w
}

func windowKey(tenantID, resource string, windowSeconds int) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", tenantID, resource, windowSeconds)
}

// Status is the read-only view of one window.
type Status struct {
	Allowed   bool  `json:"allowed"`
	Current   int64 `json:"current"`
	Remaining int64 `json:"remaining"`
}

// Check counts in-window requests without recording anything.
func (w *Window) Check(ctx context.Context, tenantID, resource string, limit, windowSeconds int) (Status, error) {
	now := w.now()
	min := now.Add(-time.Duration(windowSeconds) * time.Second).UnixMilli()
	current, err := w.client.ZCount(ctx, windowKey(tenantID, resource, windowSeconds),
		strconv.FormatInt(min, 10), strconv.FormatInt(now.UnixMilli(), 10)).Result()
	if err != nil {
		return Status{}, fmt.Errorf("count window: %w", err)
	}
	remaining := int64(limit) - current
	if remaining < 0 {
		remaining = 0
	}
	return Status{Allowed: current < int64(limit), Current: current, Remaining: remaining}, nil
}

// Record appends "now" to the window and prunes aged-out entries in the same
// script, so cleanup is amortized into the write path.
func (w *Window) Record(ctx context.Context, tenantID, resource string, windowSeconds int) error {
	now := w.now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())
	err := recordScript.Run(ctx, w.client,
		[]string{windowKey(tenantID, resource, windowSeconds)},
		now, int64(windowSeconds)*1000, member).Err()
	if err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	return nil
}

// Enforce fails with LimitExceededError when the window is full. It has no
// side effect; recording stays the caller's separate step.
func (w *Window) Enforce(ctx context.Context, tenantID, resource string, limit, windowSeconds int) error {
	st, err := w.Check(ctx, tenantID, resource, limit, windowSeconds)
	if err != nil {
		return err
	}
	if st.Allowed {
		return nil
	}
	retryAfter, err := w.retryAfter(ctx, tenantID, resource, windowSeconds)
	if err != nil {
		return err
	}
	return LimitExceededError{
		TenantID:   tenantID,
		Resource:   resource,
		Limit:      limit,
		Current:    st.Current,
		RetryAfter: retryAfter,
	}
}

// Clear drops the window state for one (tenant, resource, window) key.
func (w *Window) Clear(ctx context.Context, tenantID, resource string, windowSeconds int) error {
	return w.client.Del(ctx, windowKey(tenantID, resource, windowSeconds)).Err()
}

// retryAfter derives the hint from the oldest in-window entry: the window
// frees a slot once that entry ages out.
func (w *Window) retryAfter(ctx context.Context, tenantID, resource string, windowSeconds int) (time.Duration, error) {
	now := w.now()
	min := now.Add(-time.Duration(windowSeconds) * time.Second).UnixMilli()
	entries, err := w.client.ZRangeByScoreWithScores(ctx, windowKey(tenantID, resource, windowSeconds), &redis.ZRangeBy{
		Min:    strconv.FormatInt(min, 10),
		Max:    "+inf",
		Offset: 0,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("oldest window entry: %w", err)
	}
	if len(entries) == 0 {
		return time.Second, nil
	}
	expires := time.UnixMilli(int64(entries[0].Score)).Add(time.Duration(windowSeconds) * time.Second)
	retry := expires.Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	return retry, nil
}

var recordScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local member = ARGV[3]

redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. (now - window))
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return redis.call('ZCARD', key)
`)
