package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/test
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Mail.Transport != "ses" {
		t.Errorf("transport = %q, want ses", cfg.Mail.Transport)
	}
	if cfg.Notifications.OneDayThreshold != 1 || cfg.Notifications.ThreeDayThreshold != 3 {
		t.Errorf("thresholds = %d/%d, want 1/3",
			cfg.Notifications.OneDayThreshold, cfg.Notifications.ThreeDayThreshold)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Errorf("max attempts = %d, want 5", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.BackoffBaseSeconds != 60 || cfg.Queue.BackoffCapSeconds != 3600 {
		t.Errorf("backoff = %d/%d, want 60/3600",
			cfg.Queue.BackoffBaseSeconds, cfg.Queue.BackoffCapSeconds)
	}

	sched := cfg.Scheduler
	if !sched.ScadenzeNotifications.Enabled || sched.ScadenzeNotifications.IntervalMinutes != 60 {
		t.Errorf("scan loop defaults wrong: %+v", sched.ScadenzeNotifications)
	}
	if len(sched.ScadenzeNotifications.Times) != 3 {
		t.Errorf("times = %v, want three daily slots", sched.ScadenzeNotifications.Times)
	}
	if sched.WeeklyDigest.DayOfWeek != 1 || sched.WeeklyDigest.Time != "08:00" {
		t.Errorf("digest defaults wrong: %+v", sched.WeeklyDigest)
	}
	if sched.EmailQueue.IntervalMinutes != 5 || sched.EmailQueue.BatchSize != 10 {
		t.Errorf("queue loop defaults wrong: %+v", sched.EmailQueue)
	}
}

func TestLoad_ExplicitValuesSurviveDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
mail:
  transport: gmail
notifications:
  three_day_threshold: 7
scheduler:
  scadenze_notifications:
    enabled: true
    interval_minutes: 30
  email_queue:
    enabled: true
    interval_minutes: 2
    batch_size: 50
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Mail.Transport != "gmail" {
		t.Errorf("transport = %q, want gmail", cfg.Mail.Transport)
	}
	if cfg.Notifications.ThreeDayThreshold != 7 {
		t.Errorf("three-day threshold = %d, want 7", cfg.Notifications.ThreeDayThreshold)
	}
	if cfg.Scheduler.EmailQueue.BatchSize != 50 {
		t.Errorf("batch size = %d, want 50", cfg.Scheduler.EmailQueue.BatchSize)
	}
	// A partially specified scheduler block is kept as-is, not replaced by
	// the full default.
	if cfg.Scheduler.WeeklyDigest.Enabled {
		t.Error("unspecified digest loop should stay disabled")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() should fail on a missing file")
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://file-value/db
mail:
  transport: ses
`)
	t.Setenv("DATABASE_URL", "postgres://env-value/db")
	t.Setenv("MAIL_TRANSPORT", "gmail")
	t.Setenv("GMAIL_REFRESH_TOKEN", "tok-123")

	cfg, err := LoadFromEnv(path)
	if err != nil {
		t.Fatalf("LoadFromEnv() error: %v", err)
	}
	if cfg.Database.URL != "postgres://env-value/db" {
		t.Errorf("database url = %q, env should win", cfg.Database.URL)
	}
	if cfg.Mail.Transport != "gmail" {
		t.Errorf("transport = %q, env should win", cfg.Mail.Transport)
	}
	if cfg.Gmail.RefreshToken != "tok-123" {
		t.Errorf("refresh token = %q", cfg.Gmail.RefreshToken)
	}
}

func TestLoadFromEnv_MissingFileFallsBackToDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env-only/db")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFromEnv() error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://env-only/db" {
		t.Errorf("database url = %q", cfg.Database.URL)
	}
}
