package timeutil

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocation(t *testing.T) {
	loc, err := Location("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	ny, err := Location("America/New_York")
	require.NoError(t, err)
	again, err := Location("America/New_York")
	require.NoError(t, err)
	assert.Same(t, ny, again)

	_, err = Location("Mars/Olympus")
	assert.Error(t, err)
	assert.Equal(t, time.UTC, MustLocation("Mars/Olympus"))
}

func TestDaysBetween_AcrossDST(t *testing.T) {
	ny := MustLocation("America/New_York")
	a := time.Date(2025, 3, 8, 12, 0, 0, 0, ny)
	b := time.Date(2025, 3, 10, 12, 0, 0, 0, ny)
	assert.Equal(t, 2, DaysBetween(a, b, ny))
	assert.Equal(t, -2, DaysBetween(b, a, ny))
}

func TestDaysBetween_UsesLocalCalendar(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	a := time.Date(2025, 3, 3, 14, 0, 0, 0, time.UTC) // 23:00 JST
	b := time.Date(2025, 3, 3, 16, 0, 0, 0, time.UTC) // 01:00 JST next day
	assert.Equal(t, 0, DaysBetween(a, b, time.UTC))
	assert.Equal(t, 1, DaysBetween(a, b, tokyo))
}

func TestHourBucket(t *testing.T) {
	ts := time.Date(2025, 3, 3, 8, 45, 0, 0, time.UTC)
	start, end := HourBucket(ts, time.UTC, 1)
	assert.Equal(t, 8, start)
	assert.Equal(t, 9, end)

	start, end = HourBucket(ts, time.UTC, 3)
	assert.Equal(t, 6, start)
	assert.Equal(t, 9, end)

	start, _ = HourBucket(ts, time.FixedZone("X", -2*3600), 0)
	assert.Equal(t, 6, start)
}

func TestWindowStart(t *testing.T) {
	// 2025-03-03 is a Monday.
	before := time.Date(2025, 3, 3, 7, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC), WindowStart(before, time.UTC, time.Monday, 8, 9))

	inside := time.Date(2025, 3, 3, 8, 30, 0, 0, time.UTC)
	assert.Equal(t, inside, WindowStart(inside, time.UTC, time.Monday, 8, 9))

	after := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC), WindowStart(after, time.UTC, time.Monday, 8, 9))
}

func TestWithinLookahead(t *testing.T) {
	from := time.Date(2025, 3, 3, 7, 0, 0, 0, time.UTC)
	assert.True(t, WithinLookahead(from, time.UTC, time.Monday, 8, 9, 2*time.Hour))
	assert.False(t, WithinLookahead(from, time.UTC, time.Monday, 8, 9, 30*time.Minute))
	assert.False(t, WithinLookahead(from, time.UTC, time.Wednesday, 8, 9, 24*time.Hour))
}

func TestHalfLifeWeight(t *testing.T) {
	hl := 30 * Day
	assert.Equal(t, 1.0, HalfLifeWeight(0, hl))
	assert.Equal(t, 1.0, HalfLifeWeight(-time.Hour, hl))
	assert.InDelta(t, 0.5, HalfLifeWeight(hl, hl), 1e-12)
	assert.InDelta(t, 0.25, HalfLifeWeight(2*hl, hl), 1e-12)
}
