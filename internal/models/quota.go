package models

import (
	"encoding/json"
	"time"
)

// Quota periods. Windows are anchored to UTC calendar boundaries.
const (
	PeriodHourly  = "hourly"
	PeriodDaily   = "daily"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
)

// ValidPeriod reports whether p is a recognized quota period.
func ValidPeriod(p string) bool {
	switch p {
	case PeriodHourly, PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	}
	return false
}

// PeriodWindow returns the [start, end) bounds of the period containing now,
// in UTC.
func PeriodWindow(period string, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	switch period {
	case PeriodHourly:
		start := now.Truncate(time.Hour)
		return start, start.Add(time.Hour)
	case PeriodWeekly:
		day := now.Truncate(24 * time.Hour)
		// ISO week: Monday start.
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7)
	case PeriodMonthly:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	default: // daily
		start := now.Truncate(24 * time.Hour)
		return start, start.AddDate(0, 0, 1)
	}
}

// PeriodSeconds maps a quota period to a rate-limit window length.
func PeriodSeconds(period string) int {
	switch period {
	case PeriodHourly:
		return 3600
	case PeriodWeekly:
		return 604800
	case PeriodMonthly:
		return 2592000
	default:
		return 86400
	}
}

// Quota is the single active limit for a (tenant, resource, period) triple.
type Quota struct {
	TenantID              string    `json:"tenant_id"`
	ResourceType          string    `json:"resource_type"`
	LimitValue            int64     `json:"limit_value"`
	Period                string    `json:"period"`
	IsHardLimit           bool      `json:"is_hard_limit"`
	NotificationThreshold int       `json:"notification_threshold"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// UsageEvent is owned by the external usage tracker; this core only reads
// aggregates over it.
type UsageEvent struct {
	TenantID     string          `json:"tenant_id"`
	ResourceType string          `json:"resource_type"`
	Quantity     int64           `json:"quantity"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
