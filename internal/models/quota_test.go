package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidPeriod(t *testing.T) {
	assert.True(t, ValidPeriod(PeriodHourly))
	assert.True(t, ValidPeriod(PeriodMonthly))
	assert.False(t, ValidPeriod("fortnightly"))
	assert.False(t, ValidPeriod(""))
}

func TestPeriodWindowBounds(t *testing.T) {
	// Saturday mid-afternoon.
	now := time.Date(2024, 6, 15, 14, 37, 22, 0, time.UTC)

	start, end := PeriodWindow(PeriodHourly, now)
	assert.Equal(t, time.Date(2024, 6, 15, 14, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 6, 15, 15, 0, 0, 0, time.UTC), end)

	start, end = PeriodWindow(PeriodDaily, now)
	assert.Equal(t, time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 6, 16, 0, 0, 0, 0, time.UTC), end)

	// Weeks start Monday.
	start, end = PeriodWindow(PeriodWeekly, now)
	assert.Equal(t, time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 6, 17, 0, 0, 0, 0, time.UTC), end)
	assert.Equal(t, time.Monday, start.Weekday())

	start, end = PeriodWindow(PeriodMonthly, now)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), end)
}

func TestPeriodWindowContainsNow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) // Monday, month and year boundary
	for _, period := range []string{PeriodHourly, PeriodDaily, PeriodWeekly, PeriodMonthly} {
		start, end := PeriodWindow(period, now)
		assert.False(t, now.Before(start), "%s start", period)
		assert.True(t, now.Before(end), "%s end", period)
	}
}

func TestPeriodSeconds(t *testing.T) {
	assert.Equal(t, 3600, PeriodSeconds(PeriodHourly))
	assert.Equal(t, 86400, PeriodSeconds(PeriodDaily))
	assert.Equal(t, 604800, PeriodSeconds(PeriodWeekly))
	assert.Equal(t, 2592000, PeriodSeconds(PeriodMonthly))
}
