// internal/governor/governor.go

// Package governor implements the anti-ban policy: given a campaign's
// settings and the account's recent send history, it decides whether a send
// may proceed now and how long to wait first. It holds no I/O and no shared
// state; the dispatch worker owns the History and feeds it back in.
package governor

import (
	"math/rand"
	"time"

	"github.com/mtaasisi/campaign-engine/internal/model"
)

// History is the send accounting the worker carries between Allow calls.
// The worker refreshes the hour and day counters from the store before each
// decision so they cover every campaign on the account; SentInBatch stays
// local to the run. Hour and batch windows roll in place; the day counter
// keys on the local calendar date.
type History struct {
	HourWindowStart time.Time
	SentThisHour    int
	SentToday       int
	DayKey          string
	SentInBatch     int
}

// NoteSend records one issued provider call against every window.
func (h *History) NoteSend(now time.Time, loc *time.Location) {
	h.Roll(now, loc)
	h.SentThisHour++
	h.SentToday++
	h.SentInBatch++
}

// Roll expires the hour window and resets the day counter on date change.
func (h *History) Roll(now time.Time, loc *time.Location) {
	if h.HourWindowStart.IsZero() || now.Sub(h.HourWindowStart) >= time.Hour {
		h.HourWindowStart = now
		h.SentThisHour = 0
	}
	day := now.In(loc).Format("2006-01-02")
	if day != h.DayKey {
		h.DayKey = day
		h.SentToday = 0
	}
}

// Decision tells the worker what to do before the next send. Proceed=false
// means wait and ask again; Proceed=true means sleep Wait, then send.
// BatchBreak marks a Wait that ends the current batch window, so the worker
// resets History.SentInBatch after honoring it.
type Decision struct {
	Proceed    bool
	Wait       time.Duration
	BatchBreak bool
}

type Governor struct {
	settings model.AntiBanSettings
	loc      *time.Location
	rng      *rand.Rand
}

// New builds a governor for one campaign. The seed makes the randomized delay
// schedule reproducible; the jitter is pacing, not a security boundary.
func New(settings model.AntiBanSettings, loc *time.Location, seed int64) *Governor {
	if loc == nil {
		loc = time.UTC
	}
	return &Governor{
		settings: settings,
		loc:      loc,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Allow applies the policy checks in order: quiet hours, hourly cap, daily
// cap, batch window, inter-send delay.
func (g *Governor) Allow(now time.Time, h History) Decision {
	if g.settings.RespectQuietHours {
		if wait, quiet := g.quietWait(now); quiet {
			return Decision{Proceed: false, Wait: wait}
		}
	}

	if h.SentThisHour >= g.settings.MaxPerHour {
		wait := h.HourWindowStart.Add(time.Hour).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return Decision{Proceed: false, Wait: wait}
	}

	if h.SentToday >= g.settings.DailyLimit {
		return Decision{Proceed: false, Wait: g.untilLocalMidnight(now)}
	}

	if h.SentInBatch >= g.settings.BatchSize {
		return Decision{Proceed: true, Wait: g.settings.BatchDelay(), BatchBreak: true}
	}

	return Decision{Proceed: true, Wait: g.interSendDelay()}
}

// InQuietHours reports whether now falls inside the configured quiet window.
// The worker consults it again after sleeping an inter-send delay, so a send
// cleared just before the window cannot land inside it.
func (g *Governor) InQuietHours(now time.Time) bool {
	if !g.settings.RespectQuietHours {
		return false
	}
	_, quiet := g.quietWait(now)
	return quiet
}

// ShouldSkip reports whether the recipient was contacted within the cool-down
// window. Skipped recipients do not count against any cap.
func (g *Governor) ShouldSkip(lastContact time.Time, now time.Time) bool {
	if !g.settings.SkipRecentlyContacted || lastContact.IsZero() {
		return false
	}
	return now.Sub(lastContact) < g.settings.RecentContactWindow()
}

func (g *Governor) interSendDelay() time.Duration {
	min, max := g.settings.MinDelay(), g.settings.MaxDelay()
	if !g.settings.RandomDelay || max <= min {
		return min
	}
	return min + time.Duration(g.rng.Int63n(int64(max-min)+1))
}

// quietWait returns how long until the quiet window ends, if now falls in it.
// The window may cross midnight (e.g. 22:00-08:00).
func (g *Governor) quietWait(now time.Time) (time.Duration, bool) {
	local := now.In(g.loc)
	start, end := g.settings.QuietHoursStart, g.settings.QuietHoursEnd

	var quiet bool
	if start < end {
		quiet = local.Hour() >= start && local.Hour() < end
	} else {
		quiet = local.Hour() >= start || local.Hour() < end
	}
	if !quiet {
		return 0, false
	}

	windowEnd := time.Date(local.Year(), local.Month(), local.Day(), end, 0, 0, 0, g.loc)
	if !windowEnd.After(local) {
		windowEnd = windowEnd.AddDate(0, 0, 1)
	}
	return windowEnd.Sub(local), true
}

func (g *Governor) untilLocalMidnight(now time.Time) time.Duration {
	local := now.In(g.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.loc).AddDate(0, 0, 1)
	return midnight.Sub(local)
}
