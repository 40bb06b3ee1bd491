// internal/service/recovery.go
package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mtaasisi/campaign-engine/internal/repository"
)

// RecoveryMonitor finds campaigns stuck in running with a stale heartbeat,
// meaning their worker died without releasing the lease, and re-dispatches
// them. The lease CAS lets the new worker take over safely.
type RecoveryMonitor struct {
	repo       repository.CampaignRepositoryInterface
	dispatcher Dispatcher
	stale      time.Duration
	sweep      time.Duration
	log        zerolog.Logger
}

func NewRecoveryMonitor(repo repository.CampaignRepositoryInterface, dispatcher Dispatcher, stale, sweep time.Duration, log zerolog.Logger) *RecoveryMonitor {
	if stale <= 0 {
		stale = 90 * time.Second
	}
	if sweep <= 0 {
		sweep = time.Minute
	}
	return &RecoveryMonitor{
		repo:       repo,
		dispatcher: dispatcher,
		stale:      stale,
		sweep:      sweep,
		log:        log.With().Str("component", "recovery").Logger(),
	}
}

// Run sweeps once immediately, then on every tick until ctx ends. The
// immediate sweep picks up campaigns orphaned by the previous process.
func (m *RecoveryMonitor) Run(ctx context.Context) {
	m.Sweep(ctx)
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep re-dispatches every stale running campaign it finds.
func (m *RecoveryMonitor) Sweep(ctx context.Context) {
	ids, err := m.repo.FindStaleRunning(ctx, m.stale)
	if err != nil {
		m.log.Error().Err(err).Msg("stale campaign sweep failed")
		return
	}
	for _, id := range ids {
		m.log.Warn().Str("campaign_id", id).Msg("reclaiming orphaned campaign")
		_ = m.repo.RecordEvent(ctx, id, "recovered", "stale heartbeat, re-dispatched")
		if err := m.dispatcher.Dispatch(ctx, id); err != nil {
			m.log.Error().Err(err).Str("campaign_id", id).Msg("recovery dispatch failed")
		}
	}
}
