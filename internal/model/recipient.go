// internal/model/recipient.go
package model

import "time"

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
	RecipientSkipped RecipientStatus = "skipped"
)

// Recipient is one entry of a campaign's ordered send list. Position is the
// send order and never changes after creation; a retry spawns a new campaign
// instead of reordering or mutating this list.
type Recipient struct {
	ID                int64           `db:"id" json:"id"`
	CampaignID        string          `db:"campaign_id" json:"campaign_id"`
	Position          int             `db:"position" json:"position"`
	Address           string          `db:"address" json:"address"`
	Name              string          `db:"name" json:"name"`
	Status            RecipientStatus `db:"status" json:"status"`
	LastError         string          `db:"last_error" json:"last_error,omitempty"`
	Attempts          int             `db:"attempts" json:"attempts"`
	ProviderMessageID string          `db:"provider_message_id" json:"provider_message_id,omitempty"`
	SentAt            *time.Time      `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}
