package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/evolvi/scadenze-notifier/internal/api"
	"github.com/evolvi/scadenze-notifier/internal/config"
	"github.com/evolvi/scadenze-notifier/internal/mailer"
	"github.com/evolvi/scadenze-notifier/internal/notification"
	"github.com/evolvi/scadenze-notifier/internal/pkg/distlock"
	"github.com/evolvi/scadenze-notifier/internal/pkg/logger"
	"github.com/evolvi/scadenze-notifier/internal/repository/postgres"
	"github.com/evolvi/scadenze-notifier/internal/scheduler"
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

	db, err := openDatabase(cfg)
	if err != nil {
		logger.Error("failed to connect to database", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, falling back to advisory locks", "error", err.Error())
			redisClient = nil
		}
		cancel()
	}

	deadlineRepo := postgres.NewDeadlineRepo(db)
	queueRepo := postgres.NewQueueRepo(db)
	settingsRepo := postgres.NewSettingsRepo(db)

	mailTransport, err := buildTransport(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to initialize mail transport", "error", err.Error())
		os.Exit(1)
	}

	retryPolicy := mailer.RetryPolicy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase(),
		BackoffCap:  cfg.Queue.BackoffCap(),
	}
	mailService := mailer.NewService(queueRepo, mailTransport, retryPolicy)

	templates := notification.NewTemplateService(cfg.Mail.AppURL)
	notifier := notification.NewService(deadlineRepo, settingsRepo, mailService, templates, notification.Policy{
		OneDayThreshold:   cfg.Notifications.OneDayThreshold,
		ThreeDayThreshold: cfg.Notifications.ThreeDayThreshold,
		ScanWindowDays:    cfg.Notifications.ScanWindowDays,
		DigestHorizonDays: cfg.Notifications.DigestHorizonDays,
	})

	lockFactory := func(key string, ttl time.Duration) distlock.DistLock {
		return distlock.NewLock(redisClient, db, key, ttl)
	}
	sched := scheduler.New(notifier, mailService, settingsRepo, lockFactory)

	// A config saved through the API survives restarts and wins over the
	// file.
	schedCfg := cfg.Scheduler
	startCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if persisted, err := settingsRepo.LoadSchedulerConfig(startCtx); err != nil {
		logger.Warn("could not load persisted scheduler config", "error", err.Error())
	} else if persisted != nil {
		schedCfg = *persisted
	}
	cancel()

	if err := sched.Start(schedCfg); err != nil {
		logger.Error("scheduler failed to start", "error", err.Error())
		os.Exit(1)
	}
	defer sched.Stop()

	// Reclaims queue items stranded in 'sending' by a crashed worker.
	recoveryCtx, stopRecovery := context.WithCancel(context.Background())
	defer stopRecovery()
	recovery := mailer.NewRecoveryWorker(queueRepo, retryPolicy, 0, cfg.Queue.StaleAge())
	go recovery.Start(recoveryCtx)

	handlers := api.NewHandlers(sched, notifier, mailService, settingsRepo)
	router := api.SetupRoutes(handlers)

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err.Error())
			done <- syscall.SIGTERM
		}
	}()

	<-done
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err.Error())
	}
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// buildTransport selects the delivery backend from config. Unknown values
// are rejected rather than defaulted so a typo cannot silently route mail
// through the wrong provider.
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
