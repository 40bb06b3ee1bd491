// internal/service/scheduler.go
package service

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	appErrors "github.com/mtaasisi/campaign-engine/internal/errors"
	"github.com/mtaasisi/campaign-engine/internal/model"
	"github.com/mtaasisi/campaign-engine/internal/repository"
)

// Scheduler polls the schedule table and dispatches campaigns whose time has
// arrived. Scheduling state lives in the database, so any instance can pick
// up due work after a restart.
type Scheduler struct {
	repo       repository.CampaignRepositoryInterface
	schedules  repository.ScheduleRepositoryInterface
	dispatcher Dispatcher
	poll       time.Duration
	log        zerolog.Logger
	now        func() time.Time

	cron *cron.Cron

	mu       sync.Mutex
	running  bool
	lastPoll time.Time
}

// SchedulerStatus is the read-only snapshot served by the status endpoint.
type SchedulerStatus struct {
	Running         bool      `json:"running"`
	LastPoll        time.Time `json:"last_poll"`
	ActiveCampaigns int       `json:"active_campaigns"`
}

func NewScheduler(repo repository.CampaignRepositoryInterface, schedules repository.ScheduleRepositoryInterface, dispatcher Dispatcher, poll time.Duration, log zerolog.Logger) *Scheduler {
	if poll <= 0 {
		poll = 30 * time.Second
	}
	return &Scheduler{
		repo:       repo,
		schedules:  schedules,
		dispatcher: dispatcher,
		poll:       poll,
		log:        log.With().Str("component", "scheduler").Logger(),
		now:        time.Now,
	}
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@every "+s.poll.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.poll)
		defer cancel()
		s.Poll(ctx)
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.running = true
	s.log.Info().Dur("interval", s.poll).Msg("scheduler started")
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.log.Info().Msg("scheduler stopped")
}

// Poll dispatches every due schedule entry. Entries are removed once handed
// to the dispatcher; a recurring campaign gets a fresh entry when its run
// completes.
func (s *Scheduler) Poll(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	s.lastPoll = now
	s.mu.Unlock()

	due, err := s.schedules.Due(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("schedule poll failed")
		return
	}
	for _, entry := range due {
		if err := s.dispatcher.Dispatch(ctx, entry.CampaignID); err != nil {
			s.log.Error().Err(err).Str("campaign_id", entry.CampaignID).Msg("dispatch failed")
			continue
		}
		if err := s.schedules.Remove(ctx, entry.CampaignID); err != nil {
			s.log.Error().Err(err).Str("campaign_id", entry.CampaignID).Msg("schedule entry remove failed")
		}
		s.log.Info().Str("campaign_id", entry.CampaignID).Time("due_at", entry.NextExecutionAt).Msg("campaign dispatched on schedule")
	}
}

// ExecuteNow runs a campaign immediately, ignoring its schedule. A terminal
// campaign is reset first so its recipients run again.
func (s *Scheduler) ExecuteNow(ctx context.Context, campaignID string) error {
	c, err := s.repo.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status == model.StatusRunning {
		return appErrors.NewAlreadyRunning(campaignID)
	}
	if c.Status.Terminal() {
		if err := s.repo.ResetForRerun(ctx, campaignID, s.now()); err != nil {
			return err
		}
	}
	if err := s.schedules.Remove(ctx, campaignID); err != nil {
		return err
	}
	_ = s.repo.RecordEvent(ctx, campaignID, "executed", "manual execution")
	return s.dispatcher.Dispatch(ctx, campaignID)
}

// OnRunFinished chains recurrence: when a recurring campaign completes, the
// next occurrence is computed, the campaign reset, and a schedule entry
// written. Cancelled and failed runs end the series.
func (s *Scheduler) OnRunFinished(campaignID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := s.repo.GetByID(ctx, campaignID)
	if err != nil {
		s.log.Error().Err(err).Str("campaign_id", campaignID).Msg("recurrence check failed")
		return
	}
	if c.Status != model.StatusCompleted || c.Schedule == nil || !c.Schedule.Recurring() {
		return
	}
	next := NextExecution(*c.Schedule, s.now())
	if next == nil {
		s.log.Info().Str("campaign_id", campaignID).Msg("recurrence series ended")
		_ = s.repo.RecordEvent(ctx, campaignID, "series_ended", "recurrence end reached")
		return
	}
	if err := s.repo.ResetForRerun(ctx, campaignID, *next); err != nil {
		s.log.Error().Err(err).Str("campaign_id", campaignID).Msg("rerun reset failed")
		return
	}
	if err := s.schedules.Upsert(ctx, model.ScheduleEntry{CampaignID: campaignID, NextExecutionAt: *next}); err != nil {
		s.log.Error().Err(err).Str("campaign_id", campaignID).Msg("schedule upsert failed")
		return
	}
	_ = s.repo.RecordEvent(ctx, campaignID, "rescheduled", next.Format(time.RFC3339))
	s.log.Info().Str("campaign_id", campaignID).Time("next", *next).Msg("recurring campaign rescheduled")
}

func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	st := SchedulerStatus{Running: s.running, LastPoll: s.lastPoll}
	s.mu.Unlock()
	if counter, ok := s.dispatcher.(interface{ ActiveCount() int }); ok {
		st.ActiveCampaigns = counter.ActiveCount()
	}
	return st
}

// NextExecution returns the first occurrence strictly after the given time,
// stepped in the schedule's timezone so daily runs stay at the same local
// hour across DST changes. Nil means the series is over.
func NextExecution(sched model.Schedule, after time.Time) *time.Time {
	if !sched.Recurring() {
		return nil
	}
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil || sched.Timezone == "" {
		loc = time.UTC
	}
	candidate := sched.ScheduledFor.In(loc)
	for !candidate.After(after) {
		switch sched.Recurrence {
		case model.RecurrenceDaily:
			candidate = candidate.AddDate(0, 0, 1)
		case model.RecurrenceWeekly:
			candidate = candidate.AddDate(0, 0, 7)
		case model.RecurrenceMonthly:
			candidate = candidate.AddDate(0, 1, 0)
		default:
			return nil
		}
	}
	if sched.RecurrenceEnd != nil && candidate.After(*sched.RecurrenceEnd) {
		return nil
	}
	next := candidate.UTC()
	return &next
}
