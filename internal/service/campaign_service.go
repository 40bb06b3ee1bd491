// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/mtaasisi/campaign-engine/internal/errors"
	"github.com/mtaasisi/campaign-engine/internal/model"
	"github.com/mtaasisi/campaign-engine/internal/repository"
)

// RecipientInput is one entry of a create request's recipient list.
type RecipientInput struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// CreateCampaignInput carries everything needed to create a campaign. A nil
// Settings gets the default anti-ban profile; a nil Schedule queues the
// campaign for immediate dispatch.
type CreateCampaignInput struct {
	OwnerID    string           `json:"owner_id"`
	Name       string           `json:"name"`
	Message    string           `json:"message"`
	MediaURL   string           `json:"media_url"`
	MediaType  string           `json:"media_type"`
	Recipients []RecipientInput `json:"recipients"`
	Settings   *SettingsInput   `json:"settings"`
	Schedule   *model.Schedule  `json:"schedule"`
}

// SettingsInput is the settings block of a create request. Pointer fields keep
// an explicit zero distinguishable from an omitted field: nil falls back to
// the default, any present value is taken as given and validated.
type SettingsInput struct {
	UsePersonalization    *bool `json:"use_personalization"`
	RandomDelay           *bool `json:"random_delay"`
	MinDelay              *int  `json:"min_delay"`
	MaxDelay              *int  `json:"max_delay"`
	UsePresence           *bool `json:"use_presence"`
	BatchSize             *int  `json:"batch_size"`
	BatchDelay            *int  `json:"batch_delay"`
	MaxPerHour            *int  `json:"max_per_hour"`
	DailyLimit            *int  `json:"daily_limit"`
	SkipRecentlyContacted *bool `json:"skip_recently_contacted"`
	RespectQuietHours     *bool `json:"respect_quiet_hours"`
	QuietHoursStart       *int  `json:"quiet_hours_start"`
	QuietHoursEnd         *int  `json:"quiet_hours_end"`
	RecentContactHours    *int  `json:"recent_contact_hours"`
}

// resolve overlays the provided fields on the default profile.
func (in *SettingsInput) resolve() model.AntiBanSettings {
	s := model.DefaultSettings()
	if in == nil {
		return s
	}
	applyBool(&s.UsePersonalization, in.UsePersonalization)
	applyBool(&s.RandomDelay, in.RandomDelay)
	applyInt(&s.MinDelaySecs, in.MinDelay)
	applyInt(&s.MaxDelaySecs, in.MaxDelay)
	applyBool(&s.UsePresence, in.UsePresence)
	applyInt(&s.BatchSize, in.BatchSize)
	applyInt(&s.BatchDelaySecs, in.BatchDelay)
	applyInt(&s.MaxPerHour, in.MaxPerHour)
	applyInt(&s.DailyLimit, in.DailyLimit)
	applyBool(&s.SkipRecentlyContacted, in.SkipRecentlyContacted)
	applyBool(&s.RespectQuietHours, in.RespectQuietHours)
	applyInt(&s.QuietHoursStart, in.QuietHoursStart)
	applyInt(&s.QuietHoursEnd, in.QuietHoursEnd)
	applyInt(&s.RecentContactHours, in.RecentContactHours)
	return s
}

func applyBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func applyInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// CampaignService is the API-facing orchestration layer: creation and
// validation, idempotent controls, retry-as-new-campaign, and previews.
type CampaignService struct {
	repo       repository.CampaignRepositoryInterface
	schedules  repository.ScheduleRepositoryInterface
	dispatcher Dispatcher
	scheduler  *Scheduler
	log        zerolog.Logger
	now        func() time.Time
}

func NewCampaignService(repo repository.CampaignRepositoryInterface, schedules repository.ScheduleRepositoryInterface, dispatcher Dispatcher, scheduler *Scheduler, log zerolog.Logger) *CampaignService {
	return &CampaignService{
		repo:       repo,
		schedules:  schedules,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		log:        log.With().Str("component", "campaign_service").Logger(),
		now:        time.Now,
	}
}

// CreateCampaign validates the request, persists the campaign with its
// recipient list, and either dispatches it immediately or writes a schedule
// entry for the poller.
func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, error) {
	return s.create(ctx, in, in.Settings.resolve())
}

func (s *CampaignService) create(ctx context.Context, in CreateCampaignInput, settings model.AntiBanSettings) (*model.Campaign, error) {
	if strings.TrimSpace(in.OwnerID) == "" {
		return nil, appErrors.NewInvalidSettings(errors.New("owner_id is required"))
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, appErrors.NewInvalidSettings(errors.New("name is required"))
	}
	if strings.TrimSpace(in.Message) == "" {
		return nil, appErrors.NewInvalidSettings(errors.New("message is required"))
	}

	recipients := dedupeRecipients(in.Recipients)
	if len(recipients) == 0 {
		return nil, appErrors.NewInvalidSettings(errors.New("at least one recipient is required"))
	}

	if err := settings.Validate(); err != nil {
		return nil, appErrors.NewInvalidSettings(err)
	}

	now := s.now()
	c := &model.Campaign{
		ID:        uuid.NewString(),
		OwnerID:   in.OwnerID,
		Name:      strings.TrimSpace(in.Name),
		Message:   in.Message,
		MediaURL:  in.MediaURL,
		MediaType: in.MediaType,
		Status:    model.StatusQueued,
		Settings:  settings,
		Progress:  model.Progress{Total: len(recipients), Pending: len(recipients)},
		CreatedAt: now,
	}

	if in.Schedule != nil {
		if err := in.Schedule.Validate(); err != nil {
			return nil, appErrors.NewInvalidSettings(err)
		}
		sched := *in.Schedule
		c.Schedule = &sched
		c.Status = model.StatusScheduled
		next := sched.ScheduledFor
		c.NextExecutionAt = &next
	}

	if err := s.repo.Create(ctx, c, recipients); err != nil {
		return nil, err
	}
	_ = s.repo.RecordEvent(ctx, c.ID, "created", "")

	if c.Status == model.StatusScheduled {
		if err := s.schedules.Upsert(ctx, model.ScheduleEntry{CampaignID: c.ID, NextExecutionAt: *c.NextExecutionAt}); err != nil {
			return nil, err
		}
		s.log.Info().Str("campaign_id", c.ID).Time("scheduled_for", *c.NextExecutionAt).Msg("campaign scheduled")
		return c, nil
	}

	if err := s.dispatcher.Dispatch(ctx, c.ID); err != nil {
		return nil, err
	}
	s.log.Info().Str("campaign_id", c.ID).Int("recipients", len(recipients)).Msg("campaign queued")
	return c, nil
}

func (s *CampaignService) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *CampaignService) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListCampaigns(ctx, offset, limit, status)
}

func (s *CampaignService) GetStats(ctx context.Context, id string) (map[string]int, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetStats(ctx, id)
}

// Pause requests a stop at the next safe point. Pausing a campaign that is
// not yet running parks it directly; pausing a paused campaign is a no-op.
func (s *CampaignService) Pause(ctx context.Context, id string) error {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case model.StatusPaused:
		return nil
	case model.StatusRunning:
		if err := s.repo.RequestPause(ctx, id); err != nil {
			return err
		}
		s.interrupt(id)
	case model.StatusQueued, model.StatusScheduled:
		if err := s.repo.SetStatus(ctx, id, model.StatusPaused); err != nil {
			return err
		}
		if err := s.schedules.Remove(ctx, id); err != nil {
			return err
		}
		_ = s.repo.RecordEvent(ctx, id, "paused", "paused before start")
	default:
		return appErrors.NewInvalidTransition(id, string(c.Status), "pause")
	}
	s.log.Info().Str("campaign_id", id).Msg("pause requested")
	return nil
}

// Resume clears any pending pause request and dispatches the campaign again.
// The worker continues from the first pending recipient.
func (s *CampaignService) Resume(ctx context.Context, id string) error {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case model.StatusRunning, model.StatusQueued:
		return nil
	case model.StatusPaused:
		if err := s.repo.ClearPause(ctx, id); err != nil {
			return err
		}
		_ = s.repo.RecordEvent(ctx, id, "resumed", "")
		s.log.Info().Str("campaign_id", id).Msg("campaign resumed")
		return s.dispatcher.Dispatch(ctx, id)
	default:
		return appErrors.NewInvalidTransition(id, string(c.Status), "resume")
	}
}

// Cancel terminates the campaign. Recipients not yet attempted stay pending
// so reporting can distinguish unsent from failed.
func (s *CampaignService) Cancel(ctx context.Context, id string) error {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case model.StatusCancelled:
		return nil
	case model.StatusRunning:
		if err := s.repo.RequestCancel(ctx, id); err != nil {
			return err
		}
		s.interrupt(id)
	case model.StatusQueued, model.StatusScheduled, model.StatusPaused:
		if err := s.repo.SetStatus(ctx, id, model.StatusCancelled); err != nil {
			return err
		}
		if err := s.schedules.Remove(ctx, id); err != nil {
			return err
		}
		_ = s.repo.RecordEvent(ctx, id, "cancelled", "cancelled before start")
	default:
		return appErrors.NewInvalidTransition(id, string(c.Status), "cancel")
	}
	s.log.Info().Str("campaign_id", id).Msg("cancel requested")
	return nil
}

// RetryFailed creates a new campaign holding exactly the failed recipients of
// a finished source campaign, with the same message and settings, and queues
// it. The source campaign is left untouched.
func (s *CampaignService) RetryFailed(ctx context.Context, id string) (*model.Campaign, error) {
	src, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !src.Status.Terminal() {
		return nil, appErrors.NewInvalidTransition(id, string(src.Status), "retry")
	}
	failed, err := s.repo.FailedRecipients(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(failed) == 0 {
		return nil, appErrors.NewNoFailedRecipients(id)
	}

	inputs := make([]RecipientInput, 0, len(failed))
	for _, r := range failed {
		inputs = append(inputs, RecipientInput{Address: r.Address, Name: r.Name})
	}
	retry, err := s.create(ctx, CreateCampaignInput{
		OwnerID:    src.OwnerID,
		Name:       src.Name + " (Retry)",
		Message:    src.Message,
		MediaURL:   src.MediaURL,
		MediaType:  src.MediaType,
		Recipients: inputs,
	}, src.Settings)
	if err != nil {
		return nil, err
	}
	_ = s.repo.RecordEvent(ctx, id, "retried", "retry campaign "+retry.ID)
	s.log.Info().Str("campaign_id", id).Str("retry_id", retry.ID).Int("recipients", len(inputs)).Msg("retry campaign created")
	return retry, nil
}

// ExecuteNow triggers a campaign immediately, ignoring its schedule.
func (s *CampaignService) ExecuteNow(ctx context.Context, id string) error {
	return s.scheduler.ExecuteNow(ctx, id)
}

func (s *CampaignService) SchedulerStatus() SchedulerStatus {
	return s.scheduler.Status()
}

// Preview renders the campaign message for one recipient without sending.
// Position 0 previews against the first recipient.
func (s *CampaignService) Preview(ctx context.Context, id string, position int) (string, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	recipients, err := s.repo.Recipients(ctx, id)
	if err != nil {
		return "", err
	}
	if position < 0 || position >= len(recipients) {
		position = 0
	}
	return RenderForRecipient(c, recipients[position], s.now()), nil
}

// interrupt nudges the inline dispatcher so a worker parked in a long wait
// re-reads the control flags immediately. Queue mode has no in-process
// worker; its workers notice via the control poll.
func (s *CampaignService) interrupt(id string) {
	if in, ok := s.dispatcher.(interface{ Interrupt(string) }); ok {
		in.Interrupt(id)
	}
}

// dedupeRecipients keeps first occurrences in order; repeated addresses in
// one request would otherwise double-send inside a single campaign.
func dedupeRecipients(in []RecipientInput) []model.Recipient {
	seen := make(map[string]struct{}, len(in))
	out := make([]model.Recipient, 0, len(in))
	for _, r := range in {
		addr := strings.TrimSpace(r.Address)
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, model.Recipient{
			Position: len(out),
			Address:  addr,
			Name:     strings.TrimSpace(r.Name),
			Status:   model.RecipientPending,
		})
	}
	return out
}
