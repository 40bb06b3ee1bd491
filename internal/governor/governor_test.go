package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtaasisi/campaign-engine/internal/model"
)

func baseSettings() model.AntiBanSettings {
	s := model.DefaultSettings()
	s.RandomDelay = false
	s.MinDelaySecs = 2
	s.MaxDelaySecs = 8
	s.BatchSize = 3
	s.BatchDelaySecs = 30
	s.MaxPerHour = 5
	s.DailyLimit = 10
	s.RespectQuietHours = false
	return s
}

func TestAllowFixedDelay(t *testing.T) {
	g := New(baseSettings(), time.UTC, 1)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	d := g.Allow(now, History{HourWindowStart: now})
	require.True(t, d.Proceed)
	assert.Equal(t, 2*time.Second, d.Wait)
	assert.False(t, d.BatchBreak)
}

func TestAllowRandomDelayWithinBoundsAndDeterministic(t *testing.T) {
	s := baseSettings()
	s.RandomDelay = true
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	a := New(s, time.UTC, 42)
	b := New(s, time.UTC, 42)
	for i := 0; i < 50; i++ {
		da := a.Allow(now, History{HourWindowStart: now})
		db := b.Allow(now, History{HourWindowStart: now})
		require.True(t, da.Proceed)
		assert.Equal(t, da.Wait, db.Wait, "same seed must produce the same schedule")
		assert.GreaterOrEqual(t, da.Wait, 2*time.Second)
		assert.LessOrEqual(t, da.Wait, 8*time.Second)
	}
}

func TestAllowHourlyCap(t *testing.T) {
	g := New(baseSettings(), time.UTC, 1)
	windowStart := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	now := windowStart.Add(20 * time.Minute)

	d := g.Allow(now, History{HourWindowStart: windowStart, SentThisHour: 5})
	require.False(t, d.Proceed)
	assert.Equal(t, 40*time.Minute, d.Wait)
}

func TestAllowDailyCapWaitsUntilMidnight(t *testing.T) {
	g := New(baseSettings(), time.UTC, 1)
	now := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)

	d := g.Allow(now, History{HourWindowStart: now, SentToday: 10, DayKey: "2026-03-10"})
	require.False(t, d.Proceed)
	assert.Equal(t, 6*time.Hour, d.Wait)
}

func TestAllowBatchBreak(t *testing.T) {
	g := New(baseSettings(), time.UTC, 1)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	d := g.Allow(now, History{HourWindowStart: now, SentInBatch: 3})
	require.True(t, d.Proceed)
	assert.True(t, d.BatchBreak)
	assert.Equal(t, 30*time.Second, d.Wait)
}

func TestAllowQuietHoursCrossingMidnight(t *testing.T) {
	s := baseSettings()
	s.RespectQuietHours = true
	s.QuietHoursStart = 22
	s.QuietHoursEnd = 8

	loc, err := time.LoadLocation("Africa/Nairobi")
	require.NoError(t, err)
	g := New(s, loc, 1)

	// 23:30 local is inside the window; wait runs to 08:00 next day.
	night := time.Date(2026, 3, 10, 23, 30, 0, 0, loc)
	d := g.Allow(night, History{HourWindowStart: night})
	require.False(t, d.Proceed)
	assert.Equal(t, 8*time.Hour+30*time.Minute, d.Wait)

	// 03:00 local is still inside.
	early := time.Date(2026, 3, 11, 3, 0, 0, 0, loc)
	d = g.Allow(early, History{HourWindowStart: early})
	require.False(t, d.Proceed)
	assert.Equal(t, 5*time.Hour, d.Wait)

	// Midday is clear.
	noon := time.Date(2026, 3, 11, 12, 0, 0, 0, loc)
	d = g.Allow(noon, History{HourWindowStart: noon})
	assert.True(t, d.Proceed)

	// The boundary check used after the inter-send delay agrees with Allow.
	assert.True(t, g.InQuietHours(night))
	assert.False(t, g.InQuietHours(noon))
	assert.True(t, g.InQuietHours(time.Date(2026, 3, 10, 22, 0, 30, 0, loc)))
}

func TestShouldSkipRecentlyContacted(t *testing.T) {
	s := baseSettings()
	s.SkipRecentlyContacted = true
	s.RecentContactHours = 6
	g := New(s, time.UTC, 1)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.True(t, g.ShouldSkip(now.Add(-2*time.Hour), now))
	assert.False(t, g.ShouldSkip(now.Add(-7*time.Hour), now))
	assert.False(t, g.ShouldSkip(time.Time{}, now))

	s.SkipRecentlyContacted = false
	g = New(s, time.UTC, 1)
	assert.False(t, g.ShouldSkip(now.Add(-time.Minute), now))
}

func TestHistoryRoll(t *testing.T) {
	loc := time.UTC
	start := time.Date(2026, 3, 10, 23, 30, 0, 0, loc)

	h := History{}
	h.NoteSend(start, loc)
	h.NoteSend(start.Add(time.Minute), loc)
	assert.Equal(t, 2, h.SentThisHour)
	assert.Equal(t, 2, h.SentToday)

	// Hour window expires, day rolls over at local midnight.
	later := start.Add(65 * time.Minute)
	h.Roll(later, loc)
	assert.Equal(t, 0, h.SentThisHour)
	assert.Equal(t, 0, h.SentToday)
	assert.Equal(t, "2026-03-11", h.DayKey)
}
