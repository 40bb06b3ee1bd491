// cmd/worker/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/mtaasisi/campaign-engine/internal/config"
	"github.com/mtaasisi/campaign-engine/internal/db"
	"github.com/mtaasisi/campaign-engine/internal/provider"
	"github.com/mtaasisi/campaign-engine/internal/queue"
	"github.com/mtaasisi/campaign-engine/internal/repository"
	"github.com/mtaasisi/campaign-engine/internal/service"
)

// The worker process consumes campaign IDs from RabbitMQ and drains them
// through the same inline dispatcher the server uses in inline mode. The
// lease keeps concurrent workers from double-sending.
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
	dispatcher := service.NewInlineDispatcher(worker, cfg.MaxActiveCampaigns, log)

	// The server's scheduler polls the due table; this process only chains
	// recurrence after the runs it executes, so the scheduler stays unstarted.
	scheduler := service.NewScheduler(campaignRepo, scheduleRepo, dispatcher, cfg.SchedulerPoll, log)
	dispatcher.SetOnTerminal(scheduler.OnRunFinished)

	q, err := queue.NewRabbitQueue(cfg.AmqpURL, cfg.DispatchQueue, log)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbitmq connection failed")
	}
	defer q.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("queue", cfg.DispatchQueue).Msg("worker running, waiting for dispatch jobs")
	if err := q.Consume(ctx, dispatcher.Dispatch); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("consumer stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("worker shutdown timed out")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
