package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/mtaasisi/campaign-engine/internal/model"
)

// ScheduleRepositoryInterface is the scheduler's secondary index of pending
// due times. One row per waiting campaign; recomputed after each recurring run.
type ScheduleRepositoryInterface interface {
	Upsert(ctx context.Context, entry model.ScheduleEntry) error
	Due(ctx context.Context, now time.Time) ([]model.ScheduleEntry, error)
	Remove(ctx context.Context, campaignID string) error
}

type ScheduleRepository struct {
	DB *sql.DB
}

func (r *ScheduleRepository) Upsert(ctx context.Context, entry model.ScheduleEntry) error {
	query := `
		INSERT INTO schedule_entries (campaign_id, next_execution_at)
		VALUES ($1, $2)
		ON CONFLICT (campaign_id) DO UPDATE SET next_execution_at = $2
	`
	_, err := r.DB.ExecContext(ctx, query, entry.CampaignID, entry.NextExecutionAt)
	return err
}

func (r *ScheduleRepository) Due(ctx context.Context, now time.Time) ([]model.ScheduleEntry, error) {
	query := `
		SELECT campaign_id, next_execution_at
		FROM schedule_entries
		WHERE next_execution_at <= $1
		ORDER BY next_execution_at ASC
	`
	rows, err := r.DB.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []model.ScheduleEntry{}
	for rows.Next() {
		var e model.ScheduleEntry
		if err := rows.Scan(&e.CampaignID, &e.NextExecutionAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *ScheduleRepository) Remove(ctx context.Context, campaignID string) error {
	query := `DELETE FROM schedule_entries WHERE campaign_id=$1`
	_, err := r.DB.ExecContext(ctx, query, campaignID)
	return err
}

var _ ScheduleRepositoryInterface = (*ScheduleRepository)(nil)
