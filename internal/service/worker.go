// internal/service/worker.go
package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/mtaasisi/campaign-engine/internal/errors"
	"github.com/mtaasisi/campaign-engine/internal/governor"
	"github.com/mtaasisi/campaign-engine/internal/model"
	"github.com/mtaasisi/campaign-engine/internal/provider"
	"github.com/mtaasisi/campaign-engine/internal/repository"
)

// WorkerConfig carries the engine pacing knobs a DispatchWorker needs.
type WorkerConfig struct {
	Owner             string
	HeartbeatInterval time.Duration
	StaleHeartbeat    time.Duration
	SendTimeout       time.Duration
	ControlPoll       time.Duration
	RetryBase         time.Duration
	MaxAttempts       int
}

func (c *WorkerConfig) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.StaleHeartbeat <= 0 {
		c.StaleHeartbeat = 90 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.ControlPoll <= 0 {
		c.ControlPoll = 5 * time.Second
	}
	if c.RetryBase < 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

// DispatchWorker drains one campaign's recipient list in order: governor
// before every send, provider call bounded by a timeout, progress and
// heartbeat persisted after every recipient. It owns the campaign lease for
// the duration of Run.
type DispatchWorker struct {
	repo     repository.CampaignRepositoryInterface
	provider provider.Provider
	cfg      WorkerConfig
	log      zerolog.Logger
	now      func() time.Time
}

func NewDispatchWorker(repo repository.CampaignRepositoryInterface, prov provider.Provider, cfg WorkerConfig, log zerolog.Logger) *DispatchWorker {
	cfg.withDefaults()
	return &DispatchWorker{
		repo:     repo,
		provider: prov,
		cfg:      cfg,
		log:      log.With().Str("component", "worker").Logger(),
		now:      time.Now,
	}
}

type controlSignal int

const (
	controlNone controlSignal = iota
	controlPause
	controlCancel
	controlShutdown
)

// Run acquires the lease and drains the campaign. It returns
// appErrors.ErrAlreadyRunning when another worker holds the lease; callers
// treat that as a no-op, not a failure.
func (w *DispatchWorker) Run(ctx context.Context, campaignID string) error {
	ok, err := w.repo.AcquireLease(ctx, campaignID, w.cfg.Owner, w.cfg.StaleHeartbeat)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return appErrors.NewAlreadyRunning(campaignID)
	}

	log := w.log.With().Str("campaign_id", campaignID).Logger()

	c, err := w.repo.GetByID(ctx, campaignID)
	if err != nil {
		return w.abort(campaignID, log, fmt.Errorf("load campaign: %w", err))
	}
	recipients, err := w.repo.Recipients(ctx, campaignID)
	if err != nil {
		return w.abort(campaignID, log, fmt.Errorf("load recipients: %w", err))
	}

	loc := c.Location()
	gov := governor.New(c.Settings, loc, seedFor(c.ID))
	var history governor.History
	w.refreshHistory(ctx, c, &history, loc)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx, campaignID, log)

	log.Info().Int("pending", c.Progress.Pending).Msg("campaign worker started")

	for i := range recipients {
		rec := &recipients[i]
		if rec.Status != model.RecipientPending {
			continue
		}

		if sig := w.checkControl(ctx, campaignID); sig != controlNone {
			return w.stop(campaignID, log, sig)
		}

		if c.Settings.SkipRecentlyContacted {
			last, err := w.repo.LastContactedAt(ctx, c.OwnerID, rec.Address)
			if err == nil && last != nil && gov.ShouldSkip(*last, w.now()) {
				if err := w.repo.MarkRecipient(ctx, campaignID, rec.Position, model.RecipientSkipped, "recently contacted", 0, ""); err != nil {
					return w.abort(campaignID, log, err)
				}
				log.Debug().Str("address", rec.Address).Msg("recipient skipped, contacted recently")
				continue
			}
		}

		// Governor gate: wait out quiet hours, caps, and batch breaks, then
		// the inter-send delay. Every wait stays interruptible, and the
		// account counters are re-read from the store before each decision so
		// sends issued by other workers on the same account count too.
		for {
			w.refreshHistory(ctx, c, &history, loc)
			decision := gov.Allow(w.now(), history)
			if sig := w.sleepWithControl(ctx, campaignID, decision.Wait); sig != controlNone {
				return w.stop(campaignID, log, sig)
			}
			if !decision.Proceed {
				continue
			}
			if decision.BatchBreak {
				history.SentInBatch = 0
				continue
			}
			if gov.InQuietHours(w.now()) {
				// The quiet window opened during the inter-send delay.
				continue
			}
			break
		}

		providerID, attempts, sendErr := w.send(ctx, campaignID, c, *rec, &history, loc)
		if sig, stopped := asControl(sendErr); stopped {
			return w.stop(campaignID, log, sig)
		}

		if sendErr == nil {
			err = w.repo.MarkRecipient(ctx, campaignID, rec.Position, model.RecipientSent, "", attempts, providerID)
			log.Debug().Str("address", rec.Address).Int("attempts", attempts).Msg("recipient sent")
		} else {
			err = w.repo.MarkRecipient(ctx, campaignID, rec.Position, model.RecipientFailed, sendErr.Error(), attempts, "")
			log.Warn().Err(sendErr).Str("address", rec.Address).Int("attempts", attempts).Msg("recipient failed")
		}
		if err != nil {
			return w.abort(campaignID, log, err)
		}
	}

	// Drain complete. Partial recipient failures do not fail the campaign;
	// they stay visible in progress and addressable via retry.
	if err := w.repo.ReleaseLease(ctx, campaignID, w.cfg.Owner, model.StatusCompleted); err != nil {
		return err
	}
	final, err := w.repo.GetByID(ctx, campaignID)
	if err == nil {
		detail := fmt.Sprintf("sent=%d failed=%d skipped=%d", final.Progress.Sent, final.Progress.Failed, final.Progress.Skipped)
		_ = w.repo.RecordEvent(ctx, campaignID, "completed", detail)
		log.Info().Str("result", detail).Msg("campaign completed")
	}
	return nil
}

// send issues one provider call with bounded transient retries: exponential
// backoff, cap MaxAttempts, permanent errors never retried.
func (w *DispatchWorker) send(ctx context.Context, campaignID string, c *model.Campaign, rec model.Recipient, history *governor.History, loc *time.Location) (string, int, error) {
	payload := provider.Payload{
		Body:      RenderForRecipient(c, rec, w.now()),
		MediaURL:  c.MediaURL,
		MediaType: c.MediaType,
	}

	var providerID string
	var sendErr error
	attempts := 0
	for attempts < w.cfg.MaxAttempts {
		attempts++
		sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
		providerID, sendErr = w.provider.Send(sendCtx, rec.Address, payload)
		cancel()
		history.NoteSend(w.now(), loc)

		if sendErr == nil || appErrors.IsPermanentSend(sendErr) {
			break
		}
		if attempts >= w.cfg.MaxAttempts {
			break
		}
		backoff := w.cfg.RetryBase * (1 << (attempts - 1))
		if sig := w.sleepWithControl(ctx, campaignID, backoff); sig != controlNone {
			return "", attempts, controlErr{sig}
		}
	}
	return providerID, attempts, sendErr
}

// refreshHistory reloads the account-wide counters from persisted sends.
// The hourly count rolls over the trailing hour and HourWindowStart is set to
// the oldest send still inside it, so when the cap is hit the governor waits
// exactly until that send ages out. Reading the store on every decision keeps
// campaigns sharing an account honest about each other's traffic. When the
// store cannot be read the in-memory counters keep rolling on their own.
func (w *DispatchWorker) refreshHistory(ctx context.Context, c *model.Campaign, h *governor.History, loc *time.Location) {
	now := w.now()
	count, oldest, err := w.repo.AccountSendWindow(ctx, c.OwnerID, now.Add(-time.Hour))
	if err != nil {
		h.Roll(now, loc)
		return
	}
	h.SentThisHour = count
	if oldest != nil {
		h.HourWindowStart = *oldest
	} else {
		h.HourWindowStart = now
	}

	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	if n, err := w.repo.CountSentSince(ctx, c.OwnerID, midnight); err == nil {
		h.SentToday = n
		h.DayKey = local.Format("2006-01-02")
	} else {
		h.Roll(now, loc)
	}
}

func (w *DispatchWorker) heartbeatLoop(ctx context.Context, campaignID string, log zerolog.Logger) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.repo.Heartbeat(ctx, campaignID, w.cfg.Owner); err != nil {
				log.Debug().Err(err).Msg("heartbeat write failed")
			}
		}
	}
}

// checkControl reads the durable pause/cancel flags.
func (w *DispatchWorker) checkControl(ctx context.Context, campaignID string) controlSignal {
	if ctx.Err() != nil {
		return w.resolveStop(campaignID)
	}
	pause, cancel, err := w.repo.ControlFlags(ctx, campaignID)
	if err != nil {
		return controlNone
	}
	if cancel {
		return controlCancel
	}
	if pause {
		return controlPause
	}
	return controlNone
}

// sleepWithControl sleeps d in ControlPoll slices, re-reading the control
// flags between slices so a pause or cancel lands within one poll interval
// even during a multi-hour quiet-hours wait.
func (w *DispatchWorker) sleepWithControl(ctx context.Context, campaignID string, d time.Duration) controlSignal {
	for d > 0 {
		slice := d
		if slice > w.cfg.ControlPoll {
			slice = w.cfg.ControlPoll
		}
		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return w.resolveStop(campaignID)
		case <-timer.C:
		}
		d -= slice
		if sig := w.checkControl(ctx, campaignID); sig != controlNone {
			return sig
		}
	}
	return w.checkControl(ctx, campaignID)
}

// resolveStop decides what an interrupted context means: a control request
// that arrived through the dispatcher, or plain process shutdown.
func (w *DispatchWorker) resolveStop(campaignID string) controlSignal {
	flagCtx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	pause, cancel, err := w.repo.ControlFlags(flagCtx, campaignID)
	if err == nil {
		if cancel {
			return controlCancel
		}
		if pause {
			return controlPause
		}
	}
	return controlShutdown
}

// stop releases the lease according to the observed signal. Shutdown hands
// the campaign back as queued so a restart resumes it immediately instead of
// waiting for the stale-heartbeat sweep.
func (w *DispatchWorker) stop(campaignID string, log zerolog.Logger, sig controlSignal) error {
	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()

	switch sig {
	case controlPause:
		if err := w.repo.ReleaseLease(ctx, campaignID, w.cfg.Owner, model.StatusPaused); err != nil {
			return err
		}
		_ = w.repo.RecordEvent(ctx, campaignID, "paused", "pause request honored")
		log.Info().Msg("campaign paused")
	case controlCancel:
		if err := w.repo.ReleaseLease(ctx, campaignID, w.cfg.Owner, model.StatusCancelled); err != nil {
			return err
		}
		_ = w.repo.RecordEvent(ctx, campaignID, "cancelled", "cancel request honored")
		log.Info().Msg("campaign cancelled")
	case controlShutdown:
		if err := w.repo.ReleaseLease(ctx, campaignID, w.cfg.Owner, model.StatusQueued); err != nil {
			return err
		}
		log.Info().Msg("campaign handed back on shutdown")
	}
	return nil
}

// abort marks the campaign failed: reserved for unrecoverable conditions,
// never for individual recipient failures.
func (w *DispatchWorker) abort(campaignID string, log zerolog.Logger, cause error) error {
	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()
	log.Error().Err(cause).Msg("campaign aborted")
	if err := w.repo.ReleaseLease(ctx, campaignID, w.cfg.Owner, model.StatusFailed); err != nil {
		return fmt.Errorf("%w (release failed: %v)", cause, err)
	}
	_ = w.repo.RecordEvent(ctx, campaignID, "failed", cause.Error())
	return cause
}

// controlErr tunnels a control signal out of the send retry loop.
type controlErr struct {
	sig controlSignal
}

func (e controlErr) Error() string { return "send interrupted by control signal" }

func asControl(err error) (controlSignal, bool) {
	if ce, ok := err.(controlErr); ok {
		return ce.sig, true
	}
	return controlNone, false
}

func seedFor(campaignID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(campaignID))
	return int64(h.Sum64())
}
