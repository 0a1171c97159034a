// Standalone queue worker. Runs the email queue drain and the stuck-item
// recovery pass without the HTTP server or the scan scheduler, so delivery
// capacity can be scaled independently of the API. Claiming is atomic at the
// store, so any number of workers can run alongside the server.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/evolvi/scadenze-notifier/internal/config"
	"github.com/evolvi/scadenze-notifier/internal/mailer"
	"github.com/evolvi/scadenze-notifier/internal/pkg/logger"
	"github.com/evolvi/scadenze-notifier/internal/repository/postgres"
	"github.com/evolvi/scadenze-notifier/internal/transport"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err.Error())
		os.Exit(1)
	}
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logger.DEBUG)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("failed to open database", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		logger.Error("database unreachable", "error", err.Error())
		os.Exit(1)
	}
	cancel()

	mailTransport, err := buildTransport(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to initialize mail transport", "error", err.Error())
		os.Exit(1)
	}

	queueRepo := postgres.NewQueueRepo(db)
	retryPolicy := mailer.RetryPolicy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase(),
		BackoffCap:  cfg.Queue.BackoffCap(),
	}
	mailService := mailer.NewService(queueRepo, mailTransport, retryPolicy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recovery := mailer.NewRecoveryWorker(queueRepo, retryPolicy, 0, cfg.Queue.StaleAge())
	go recovery.Start(ctx)

	interval := time.Duration(cfg.Scheduler.EmailQueue.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	batchSize := cfg.Scheduler.EmailQueue.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	logger.Info("queue worker started",
		"interval", interval.String(), "batch_size", batchSize)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("queue worker stopped")
			return
		case <-ticker.C:
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			res, err := mailService.ProcessEmailQueue(drainCtx, batchSize)
			cancel()
			if err != nil {
				logger.Error("queue drain failed", "error", err.Error())
				continue
			}
			if res.Claimed > 0 {
				logger.Info("queue drained",
					"claimed", res.Claimed, "sent", res.Sent,
					"retried", res.Retried, "exhausted", res.Exhausted)
			}
		}
	}
}

func buildTransport(ctx context.Context, cfg *config.Config) (mailer.Transport, error) {
	switch cfg.Mail.Transport {
	case "ses", "":
		return transport.NewSESTransport(ctx, cfg.SES, cfg.Mail)
	case "gmail":
		return transport.NewGmailTransport(ctx, cfg.Gmail, cfg.Mail)
	default:
		return nil, fmt.Errorf("unknown mail transport %q", cfg.Mail.Transport)
	}
}
