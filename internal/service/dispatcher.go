// internal/service/dispatcher.go
package service

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	appErrors "github.com/mtaasisi/campaign-engine/internal/errors"
)

// Dispatcher hands a runnable campaign to whatever executes it: the inline
// worker pool, or a queue publisher consumed by a separate worker process.
type Dispatcher interface {
	Dispatch(ctx context.Context, campaignID string) error
}

// InlineDispatcher runs campaigns in-process, at most MaxActiveCampaigns at a
// time. Dispatch never blocks; campaigns over the cap wait on the semaphore
// inside their own goroutine.
type InlineDispatcher struct {
	worker *DispatchWorker
	sem    *semaphore.Weighted
	log    zerolog.Logger

	rootCtx  context.Context
	stopRoot context.CancelFunc

	mu         sync.Mutex
	running    map[string]context.CancelFunc
	onTerminal func(campaignID string)

	wg sync.WaitGroup
}

func NewInlineDispatcher(worker *DispatchWorker, maxActive int64, log zerolog.Logger) *InlineDispatcher {
	if maxActive <= 0 {
		maxActive = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InlineDispatcher{
		worker:   worker,
		sem:      semaphore.NewWeighted(maxActive),
		log:      log.With().Str("component", "dispatcher").Logger(),
		rootCtx:  ctx,
		stopRoot: cancel,
		running:  make(map[string]context.CancelFunc),
	}
}

// SetOnTerminal registers a hook invoked after a campaign run finishes.
// The scheduler uses it to chain recurring executions.
func (d *InlineDispatcher) SetOnTerminal(fn func(campaignID string)) {
	d.mu.Lock()
	d.onTerminal = fn
	d.mu.Unlock()
}

// Dispatch registers the campaign and starts a run goroutine. A campaign
// already registered in this process is a no-op; the database lease guards
// against duplicates across processes.
func (d *InlineDispatcher) Dispatch(_ context.Context, campaignID string) error {
	d.mu.Lock()
	if _, exists := d.running[campaignID]; exists {
		d.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(d.rootCtx)
	d.running[campaignID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			cancel()
			d.mu.Lock()
			delete(d.running, campaignID)
			fn := d.onTerminal
			d.mu.Unlock()
			if fn != nil {
				fn(campaignID)
			}
		}()

		if err := d.sem.Acquire(runCtx, 1); err != nil {
			return
		}
		defer d.sem.Release(1)

		if err := d.worker.Run(runCtx, campaignID); err != nil {
			if appErrors.IsAlreadyRunning(err) {
				d.log.Debug().Str("campaign_id", campaignID).Msg("lease held elsewhere, skipping")
				return
			}
			d.log.Error().Err(err).Str("campaign_id", campaignID).Msg("campaign run failed")
		}
	}()
	return nil
}

// Interrupt cancels the campaign's run context so a worker parked in a long
// governor wait notices a pause or cancel request promptly instead of at the
// next control poll.
func (d *InlineDispatcher) Interrupt(campaignID string) {
	d.mu.Lock()
	cancel, ok := d.running[campaignID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

func (d *InlineDispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// Shutdown cancels all running campaigns and waits for workers to hand their
// leases back, or for ctx to expire.
func (d *InlineDispatcher) Shutdown(ctx context.Context) error {
	d.stopRoot()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
