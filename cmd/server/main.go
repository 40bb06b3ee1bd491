// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/mtaasisi/campaign-engine/internal/config"
	"github.com/mtaasisi/campaign-engine/internal/db"
	"github.com/mtaasisi/campaign-engine/internal/handler"
	"github.com/mtaasisi/campaign-engine/internal/provider"
	"github.com/mtaasisi/campaign-engine/internal/queue"
	"github.com/mtaasisi/campaign-engine/internal/repository"
	"github.com/mtaasisi/campaign-engine/internal/service"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("no .env file found, relying on OS environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := newLogger(cfg.LogLevel)

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer database.Close()

	campaignRepo := &repository.CampaignRepository{DB: database}
	scheduleRepo := &repository.ScheduleRepository{DB: database}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// In queue mode the server only publishes campaign IDs; cmd/worker runs
	// the dispatch workers. Inline mode runs them in this process.
	var dispatcher service.Dispatcher
	var inline *service.InlineDispatcher
	switch cfg.DispatchMode {
	case "queue":
		q, err := queue.NewRabbitQueue(cfg.AmqpURL, cfg.DispatchQueue, log)
		if err != nil {
			log.Fatal().Err(err).Msg("rabbitmq connection failed")
		}
		defer q.Close()
		dispatcher = q
	default:
		prov := provider.NewThrottled(
			provider.NewMockProvider(cfg.MockProviderFailPct, time.Now().UnixNano()),
			cfg.AccountSendsPerMin,
		)
		worker := service.NewDispatchWorker(campaignRepo, prov, service.WorkerConfig{
			Owner:             leaseOwner(),
			HeartbeatInterval: cfg.HeartbeatInterval,
			StaleHeartbeat:    cfg.StaleHeartbeat,
			SendTimeout:       cfg.SendTimeout,
			ControlPoll:       cfg.ControlPoll,
			RetryBase:         cfg.SendRetryBase,
			MaxAttempts:       cfg.MaxSendAttempts,
		}, log)
		inline = service.NewInlineDispatcher(worker, cfg.MaxActiveCampaigns, log)
		dispatcher = inline
	}

	scheduler := service.NewScheduler(campaignRepo, scheduleRepo, dispatcher, cfg.SchedulerPoll, log)
	if inline != nil {
		inline.SetOnTerminal(scheduler.OnRunFinished)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatal().Err(err).Msg("scheduler start failed")
	}
	defer scheduler.Stop()

	recovery := service.NewRecoveryMonitor(campaignRepo, dispatcher, cfg.StaleHeartbeat, cfg.RecoverySweep, log)
	go recovery.Run(ctx)

	svc := service.NewCampaignService(campaignRepo, scheduleRepo, dispatcher, scheduler, log)

	r := chi.NewRouter()
	handler.NewCampaignHandler(svc, log).Routes(r)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.APIPort), Handler: r}
	go func() {
		log.Info().Int("port", cfg.APIPort).Str("dispatch_mode", cfg.DispatchMode).Msg("server running")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if inline != nil {
		// Workers hand their leases back as queued so a restart resumes them.
		if err := inline.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("worker shutdown timed out")
		}
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

// leaseOwner identifies this process in the campaigns.lease_owner column.
func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "server"
	}
	return host + "-" + uuid.NewString()[:8]
}
