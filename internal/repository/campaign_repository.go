package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	appErrors "github.com/mtaasisi/campaign-engine/internal/errors"
	"github.com/mtaasisi/campaign-engine/internal/model"
)

// CampaignRepositoryInterface is the Campaign Store: the single source of
// truth for campaign state, recipient progress, and the worker lease. All
// transitions go through atomic read-modify-write statements so no in-memory
// state is ever authoritative.
type CampaignRepositoryInterface interface {
	// Campaign CRUD
	Create(ctx context.Context, c *model.Campaign, recipients []model.Recipient) error
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)
	SetStatus(ctx context.Context, id string, status model.Status) error

	// Recipients and progress
	Recipients(ctx context.Context, campaignID string) ([]model.Recipient, error)
	FailedRecipients(ctx context.Context, campaignID string) ([]model.Recipient, error)
	MarkRecipient(ctx context.Context, campaignID string, position int, status model.RecipientStatus, lastError string, attempts int, providerMessageID string) error
	GetStats(ctx context.Context, campaignID string) (map[string]int, error)

	// Lease and liveness
	AcquireLease(ctx context.Context, campaignID, owner string, staleAfter time.Duration) (bool, error)
	Heartbeat(ctx context.Context, campaignID, owner string) error
	ReleaseLease(ctx context.Context, campaignID, owner string, status model.Status) error
	FindStaleRunning(ctx context.Context, olderThan time.Duration) ([]string, error)

	// Cooperative control flags
	RequestPause(ctx context.Context, campaignID string) error
	RequestCancel(ctx context.Context, campaignID string) error
	ControlFlags(ctx context.Context, campaignID string) (pause, cancel bool, err error)
	ClearPause(ctx context.Context, campaignID string) error

	// Governor history
	CountSentSince(ctx context.Context, ownerID string, since time.Time) (int, error)
	AccountSendWindow(ctx context.Context, ownerID string, since time.Time) (int, *time.Time, error)
	LastContactedAt(ctx context.Context, ownerID, address string) (*time.Time, error)

	// Recurrence
	ResetForRerun(ctx context.Context, campaignID string, next time.Time) error

	// Audit trail
	RecordEvent(ctx context.Context, campaignID, kind, detail string) error
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `
	id, owner_id, name, message, media_url, media_type, status,
	settings, schedule, next_execution_at, execution_count,
	progress_total, progress_sent, progress_failed, progress_skipped, progress_pending,
	lease_owner, heartbeat_at, pause_requested, cancel_requested,
	created_at, started_at, completed_at, updated_at
`

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign, recipients []model.Recipient) error {
	settingsJSON, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	var scheduleJSON []byte
	if c.Schedule != nil {
		scheduleJSON, err = json.Marshal(c.Schedule)
		if err != nil {
			return fmt.Errorf("marshal schedule: %w", err)
		}
	}

	c.CreatedAt = time.Now()
	c.Progress = model.Progress{Total: len(recipients), Pending: len(recipients)}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO campaigns (
			id, owner_id, name, message, media_url, media_type, status,
			settings, schedule, next_execution_at, execution_count,
			progress_total, progress_sent, progress_failed, progress_skipped, progress_pending,
			created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, 0, 0, 0, $11, $12)
	`
	_, err = tx.ExecContext(ctx, query,
		c.ID, c.OwnerID, c.Name, c.Message, c.MediaURL, c.MediaType, c.Status,
		settingsJSON, nullBytes(scheduleJSON), c.NextExecutionAt,
		len(recipients), c.CreatedAt,
	)
	if err != nil {
		return err
	}

	recipientQuery := `
		INSERT INTO campaign_recipients (campaign_id, position, address, name, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $5)
	`
	for i, rec := range recipients {
		if _, err := tx.ExecContext(ctx, recipientQuery, c.ID, i, rec.Address, rec.Name, c.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return c, err
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if status != "" {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	countArgs := []interface{}{}
	if status != "" {
		countQuery += " AND status=$1"
		countArgs = append(countArgs, status)
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

func (r *CampaignRepository) SetStatus(ctx context.Context, id string, status model.Status) error {
	query := `
		UPDATE campaigns
		SET status=$1,
		    completed_at = CASE WHEN $1 IN ('completed','failed','cancelled') THEN NOW() ELSE completed_at END,
		    updated_at=NOW()
		WHERE id=$2
	`
	res, err := r.DB.ExecContext(ctx, query, status, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

// ====================== Recipients ======================

func (r *CampaignRepository) Recipients(ctx context.Context, campaignID string) ([]model.Recipient, error) {
	return r.recipientsWhere(ctx, campaignID, "")
}

func (r *CampaignRepository) FailedRecipients(ctx context.Context, campaignID string) ([]model.Recipient, error) {
	return r.recipientsWhere(ctx, campaignID, "AND status='failed'")
}

func (r *CampaignRepository) recipientsWhere(ctx context.Context, campaignID, extra string) ([]model.Recipient, error) {
	query := `
		SELECT id, campaign_id, position, address, name, status, last_error, attempts,
		       provider_message_id, sent_at, created_at, updated_at
		FROM campaign_recipients
		WHERE campaign_id=$1 ` + extra + `
		ORDER BY position ASC
	`
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []model.Recipient{}
	for rows.Next() {
		var rec model.Recipient
		var sentAt sql.NullTime
		if err := rows.Scan(
			&rec.ID, &rec.CampaignID, &rec.Position, &rec.Address, &rec.Name,
			&rec.Status, &rec.LastError, &rec.Attempts,
			&rec.ProviderMessageID, &sentAt, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if sentAt.Valid {
			t := sentAt.Time
			rec.SentAt = &t
		}
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}

// MarkRecipient flips one pending recipient to its final status and adjusts
// the campaign progress counters in the same transaction, also refreshing the
// heartbeat. The pending guard makes resume idempotent: a recipient already
// sent, failed, or skipped can never be marked twice.
func (r *CampaignRepository) MarkRecipient(ctx context.Context, campaignID string, position int, status model.RecipientStatus, lastError string, attempts int, providerMessageID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	recQuery := `
		UPDATE campaign_recipients
		SET status=$1, last_error=$2, attempts=$3, provider_message_id=$4,
		    sent_at = CASE WHEN $1='sent' THEN NOW() ELSE sent_at END,
		    updated_at=NOW()
		WHERE campaign_id=$5 AND position=$6 AND status='pending'
	`
	res, err := tx.ExecContext(ctx, recQuery, status, lastError, attempts, providerMessageID, campaignID, position)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("recipient %d of campaign %s is not pending", position, campaignID)
	}

	progressQuery := `
		UPDATE campaigns
		SET progress_sent    = progress_sent    + CASE WHEN $1='sent'    THEN 1 ELSE 0 END,
		    progress_failed  = progress_failed  + CASE WHEN $1='failed'  THEN 1 ELSE 0 END,
		    progress_skipped = progress_skipped + CASE WHEN $1='skipped' THEN 1 ELSE 0 END,
		    progress_pending = progress_pending - 1,
		    heartbeat_at=NOW(), updated_at=NOW()
		WHERE id=$2
	`
	if _, err := tx.ExecContext(ctx, progressQuery, status, campaignID); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *CampaignRepository) GetStats(ctx context.Context, campaignID string) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM campaign_recipients WHERE campaign_id=$1 GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{"pending": 0, "sent": 0, "failed": 0, "skipped": 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// ====================== Lease ======================

// AcquireLease is a single compare-and-set: only a startable campaign, or a
// running one whose heartbeat has gone stale (crashed worker), can be claimed.
// Exactly one caller wins a race; everyone else sees false.
func (r *CampaignRepository) AcquireLease(ctx context.Context, campaignID, owner string, staleAfter time.Duration) (bool, error) {
	query := `
		UPDATE campaigns
		SET status='running', lease_owner=$1, heartbeat_at=NOW(),
		    started_at=COALESCE(started_at, NOW()), updated_at=NOW()
		WHERE id=$2
		  AND (status IN ('queued','scheduled','paused')
		       OR (status='running' AND heartbeat_at < NOW() - ($3 * INTERVAL '1 second')))
	`
	res, err := r.DB.ExecContext(ctx, query, owner, campaignID, staleAfter.Seconds())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *CampaignRepository) Heartbeat(ctx context.Context, campaignID, owner string) error {
	query := `UPDATE campaigns SET heartbeat_at=NOW() WHERE id=$1 AND lease_owner=$2 AND status='running'`
	_, err := r.DB.ExecContext(ctx, query, campaignID, owner)
	return err
}

// ReleaseLease moves a running campaign out of the worker's hands. The owner
// guard means a reclaimed (stale) lease cannot be clobbered by the worker
// that lost it.
func (r *CampaignRepository) ReleaseLease(ctx context.Context, campaignID, owner string, status model.Status) error {
	query := `
		UPDATE campaigns
		SET status=$1, lease_owner='', heartbeat_at=NULL,
		    pause_requested=FALSE, cancel_requested=FALSE,
		    completed_at = CASE WHEN $1 IN ('completed','failed','cancelled') THEN NOW() ELSE completed_at END,
		    execution_count = execution_count + CASE WHEN $1='completed' THEN 1 ELSE 0 END,
		    updated_at=NOW()
		WHERE id=$2 AND lease_owner=$3 AND status='running'
	`
	res, err := r.DB.ExecContext(ctx, query, status, campaignID, owner)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("lease on campaign %s no longer held by %s", campaignID, owner)
	}
	return nil
}

func (r *CampaignRepository) FindStaleRunning(ctx context.Context, olderThan time.Duration) ([]string, error) {
	query := `
		SELECT id FROM campaigns
		WHERE status='running' AND heartbeat_at < NOW() - ($1 * INTERVAL '1 second')
		ORDER BY heartbeat_at ASC
	`
	rows, err := r.DB.QueryContext(ctx, query, olderThan.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ====================== Control flags ======================

func (r *CampaignRepository) RequestPause(ctx context.Context, campaignID string) error {
	query := `UPDATE campaigns SET pause_requested=TRUE, updated_at=NOW() WHERE id=$1 AND status='running'`
	_, err := r.DB.ExecContext(ctx, query, campaignID)
	return err
}

func (r *CampaignRepository) RequestCancel(ctx context.Context, campaignID string) error {
	query := `UPDATE campaigns SET cancel_requested=TRUE, updated_at=NOW() WHERE id=$1 AND status='running'`
	_, err := r.DB.ExecContext(ctx, query, campaignID)
	return err
}

// ClearPause drops a pending pause request and moves a paused campaign back
// to queued, so a resumed run does not instantly re-pause on a stale flag.
func (r *CampaignRepository) ClearPause(ctx context.Context, campaignID string) error {
	query := `
		UPDATE campaigns
		SET pause_requested=FALSE,
		    status=CASE WHEN status='paused' THEN 'queued' ELSE status END,
		    updated_at=NOW()
		WHERE id=$1
	`
	res, err := r.DB.ExecContext(ctx, query, campaignID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewCampaignNotFound(campaignID)
	}
	return nil
}

func (r *CampaignRepository) ControlFlags(ctx context.Context, campaignID string) (bool, bool, error) {
	var pause, cancel bool
	query := `SELECT pause_requested, cancel_requested FROM campaigns WHERE id=$1`
	err := r.DB.QueryRowContext(ctx, query, campaignID).Scan(&pause, &cancel)
	if err == sql.ErrNoRows {
		return false, false, appErrors.NewCampaignNotFound(campaignID)
	}
	return pause, cancel, err
}

// ====================== Governor history ======================

func (r *CampaignRepository) CountSentSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM campaign_recipients r
		JOIN campaigns c ON c.id = r.campaign_id
		WHERE c.owner_id=$1 AND r.status='sent' AND r.sent_at >= $2
	`
	var count int
	err := r.DB.QueryRowContext(ctx, query, ownerID, since).Scan(&count)
	return count, err
}

// AccountSendWindow returns how many sends the account has issued since the
// given instant, across all of its campaigns, together with the timestamp of
// the oldest such send. The oldest send tells a capped worker when the next
// slot frees up.
func (r *CampaignRepository) AccountSendWindow(ctx context.Context, ownerID string, since time.Time) (int, *time.Time, error) {
	query := `
		SELECT COUNT(*), MIN(r.sent_at)
		FROM campaign_recipients r
		JOIN campaigns c ON c.id = r.campaign_id
		WHERE c.owner_id=$1 AND r.status='sent' AND r.sent_at >= $2
	`
	var count int
	var oldest sql.NullTime
	if err := r.DB.QueryRowContext(ctx, query, ownerID, since).Scan(&count, &oldest); err != nil {
		return 0, nil, err
	}
	if !oldest.Valid {
		return count, nil, nil
	}
	return count, &oldest.Time, nil
}

func (r *CampaignRepository) LastContactedAt(ctx context.Context, ownerID, address string) (*time.Time, error) {
	query := `
		SELECT MAX(r.sent_at)
		FROM campaign_recipients r
		JOIN campaigns c ON c.id = r.campaign_id
		WHERE c.owner_id=$1 AND r.address=$2 AND r.status='sent'
	`
	var last sql.NullTime
	if err := r.DB.QueryRowContext(ctx, query, ownerID, address).Scan(&last); err != nil {
		return nil, err
	}
	if !last.Valid {
		return nil, nil
	}
	t := last.Time
	return &t, nil
}

// ====================== Recurrence ======================

// ResetForRerun prepares a completed recurring campaign for its next run:
// recipients back to pending, progress zeroed, next due time recorded.
func (r *CampaignRepository) ResetForRerun(ctx context.Context, campaignID string, next time.Time) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	recQuery := `
		UPDATE campaign_recipients
		SET status='pending', last_error='', attempts=0, provider_message_id='', sent_at=NULL, updated_at=NOW()
		WHERE campaign_id=$1
	`
	if _, err := tx.ExecContext(ctx, recQuery, campaignID); err != nil {
		return err
	}

	campQuery := `
		UPDATE campaigns
		SET status='scheduled',
		    progress_sent=0, progress_failed=0, progress_skipped=0, progress_pending=progress_total,
		    next_execution_at=$2, completed_at=NULL, updated_at=NOW()
		WHERE id=$1 AND status IN ('completed', 'failed', 'cancelled')
	`
	res, err := tx.ExecContext(ctx, campQuery, campaignID, next)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("campaign %s is not finished, cannot schedule rerun", campaignID)
	}

	return tx.Commit()
}

// ====================== Events ======================

func (r *CampaignRepository) RecordEvent(ctx context.Context, campaignID, kind, detail string) error {
	query := `INSERT INTO campaign_events (campaign_id, kind, detail, created_at) VALUES ($1, $2, $3, NOW())`
	_, err := r.DB.ExecContext(ctx, query, campaignID, kind, detail)
	return err
}

// ====================== helpers ======================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	var settingsJSON []byte
	var scheduleJSON []byte
	var heartbeatAt, startedAt, completedAt, updatedAt, nextExecutionAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.OwnerID, &c.Name, &c.Message, &c.MediaURL, &c.MediaType, &c.Status,
		&settingsJSON, &scheduleJSON, &nextExecutionAt, &c.ExecutionCount,
		&c.Progress.Total, &c.Progress.Sent, &c.Progress.Failed, &c.Progress.Skipped, &c.Progress.Pending,
		&c.LeaseOwner, &heartbeatAt, &c.PauseRequested, &c.CancelRequested,
		&c.CreatedAt, &startedAt, &completedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(settingsJSON, &c.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings of campaign %s: %w", c.ID, err)
	}
	if len(scheduleJSON) > 0 {
		c.Schedule = &model.Schedule{}
		if err := json.Unmarshal(scheduleJSON, c.Schedule); err != nil {
			return nil, fmt.Errorf("unmarshal schedule of campaign %s: %w", c.ID, err)
		}
	}

	c.NextExecutionAt = timePtr(nextExecutionAt)
	c.HeartbeatAt = timePtr(heartbeatAt)
	c.StartedAt = timePtr(startedAt)
	c.CompletedAt = timePtr(completedAt)
	c.UpdatedAt = timePtr(updatedAt)
	return &c, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
