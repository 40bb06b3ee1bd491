// internal/model/campaign.go
package model

import "time"

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a campaign in this status can never transition again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Progress counters are persisted on the campaign row and updated in the same
// transaction as each recipient status change, so status queries always see a
// closed accounting: Sent+Failed+Skipped+Pending == Total.
type Progress struct {
	Total   int `db:"progress_total" json:"total"`
	Sent    int `db:"progress_sent" json:"sent"`
	Failed  int `db:"progress_failed" json:"failed"`
	Skipped int `db:"progress_skipped" json:"skipped"`
	Pending int `db:"progress_pending" json:"pending"`
}

type Campaign struct {
	ID        string `db:"id" json:"id"`
	OwnerID   string `db:"owner_id" json:"owner_id"`
	Name      string `db:"name" json:"name"`
	Message   string `db:"message" json:"message"`
	MediaURL  string `db:"media_url" json:"media_url,omitempty"`
	MediaType string `db:"media_type" json:"media_type,omitempty"`
	Status    Status `db:"status" json:"status"`

	Settings AntiBanSettings `db:"settings" json:"settings"`
	Schedule *Schedule       `db:"schedule" json:"schedule,omitempty"`

	NextExecutionAt *time.Time `db:"next_execution_at" json:"next_execution_at,omitempty"`
	ExecutionCount  int        `db:"execution_count" json:"execution_count"`

	Progress Progress `json:"progress"`

	// Lease state: a campaign is running exactly when one worker holds the
	// lease and keeps the heartbeat fresh.
	LeaseOwner  string     `db:"lease_owner" json:"lease_owner,omitempty"`
	HeartbeatAt *time.Time `db:"heartbeat_at" json:"heartbeat_at,omitempty"`

	PauseRequested  bool `db:"pause_requested" json:"pause_requested"`
	CancelRequested bool `db:"cancel_requested" json:"cancel_requested"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt   *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// Location resolves the campaign timezone, falling back to UTC when the
// campaign has no schedule or the zone name cannot be loaded.
func (c *Campaign) Location() *time.Location {
	if c.Schedule == nil || c.Schedule.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
