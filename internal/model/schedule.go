// internal/model/schedule.go
package model

import (
	"fmt"
	"time"
)

type Recurrence string

const (
	RecurrenceNone    Recurrence = "none"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
)

// Schedule describes when a campaign runs. ScheduledFor is the first (or only)
// execution; NextExecutionAt on the campaign is derived from it, never user-set.
type Schedule struct {
	ScheduledFor  time.Time  `json:"scheduled_for"`
	Recurrence    Recurrence `json:"recurrence"`
	RecurrenceEnd *time.Time `json:"recurrence_end,omitempty"`
	Timezone      string     `json:"timezone"`
}

func (s Schedule) Validate() error {
	switch s.Recurrence {
	case "", RecurrenceNone, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
	default:
		return fmt.Errorf("unknown recurrence %q", s.Recurrence)
	}
	if s.ScheduledFor.IsZero() {
		return fmt.Errorf("scheduled_for is required")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q", s.Timezone)
		}
	}
	return nil
}

func (s Schedule) Recurring() bool {
	return s.Recurrence != "" && s.Recurrence != RecurrenceNone
}

// ScheduleEntry is the scheduler's secondary index: one row per pending due
// time, recomputed after each recurring run.
type ScheduleEntry struct {
	CampaignID      string    `db:"campaign_id" json:"campaign_id"`
	NextExecutionAt time.Time `db:"next_execution_at" json:"next_execution_at"`
}
