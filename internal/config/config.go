package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/evolvi/scadenze-notifier/internal/domain"
)

// Config holds all configuration for the notification service.
type Config struct {
	Server        ServerConfig           `yaml:"server"`
	Database      DatabaseConfig         `yaml:"database"`
	Redis         RedisConfig            `yaml:"redis"`
	Mail          MailConfig             `yaml:"mail"`
	SES           SESConfig              `yaml:"ses"`
	Gmail         GmailConfig            `yaml:"gmail"`
	Notifications NotificationsConfig    `yaml:"notifications"`
	Queue         QueueConfig            `yaml:"queue"`
	Scheduler     domain.SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection.
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the optional Redis connection for distributed locking.
// When Addr is empty the service falls back to Postgres advisory locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MailConfig selects the transport and carries sender identity shared by all
// transports.
type MailConfig struct {
	Transport string `yaml:"transport"` // "ses" or "gmail"
	FromName  string `yaml:"from_name"`
	FromEmail string `yaml:"from_email"`
	AppURL    string `yaml:"app_url"` // linked from alert/digest emails
}

// SESConfig holds AWS SES API configuration.
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration.
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// GmailConfig holds Gmail API OAuth credentials. Token acquisition is
// external; the service only consumes a refresh token.
type GmailConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
}

// NotificationsConfig holds the alerting policy knobs.
type NotificationsConfig struct {
	OneDayThreshold   int `yaml:"one_day_threshold"`   // days remaining ≤ this → 1-day bucket
	ThreeDayThreshold int `yaml:"three_day_threshold"` // days remaining ≤ this → 3-day bucket
	ScanWindowDays    int `yaml:"scan_window_days"`    // how far ahead the scan looks
	DigestHorizonDays int `yaml:"digest_horizon_days"` // digest covers deadlines due within this horizon
}

// QueueConfig holds delivery retry policy.
type QueueConfig struct {
	MaxAttempts        int `yaml:"max_attempts"`
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	BackoffCapSeconds  int `yaml:"backoff_cap_seconds"`
	StaleAgeMinutes    int `yaml:"stale_age_minutes"` // 'sending' older than this is reclaimed
}

// BackoffBase returns the base retry delay.
func (c QueueConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns the maximum retry delay.
func (c QueueConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSeconds) * time.Second
}

// StaleAge returns how long a claimed item may stay in 'sending' before the
// recovery pass reclaims it.
func (c QueueConfig) StaleAge() time.Duration {
	return time.Duration(c.StaleAgeMinutes) * time.Minute
}

// Load reads and parses the configuration file, filling defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Mail.Transport == "" {
		cfg.Mail.Transport = "ses"
	}
	if cfg.Mail.FromName == "" {
		cfg.Mail.FromName = "Gestionale Evolvi"
	}
	if cfg.Mail.AppURL == "" {
		cfg.Mail.AppURL = "http://localhost:3000"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "eu-south-1"
	}
	if cfg.Notifications.OneDayThreshold == 0 {
		cfg.Notifications.OneDayThreshold = 1
	}
	if cfg.Notifications.ThreeDayThreshold == 0 {
		cfg.Notifications.ThreeDayThreshold = 3
	}
	if cfg.Notifications.ScanWindowDays == 0 {
		cfg.Notifications.ScanWindowDays = 15
	}
	if cfg.Notifications.DigestHorizonDays == 0 {
		cfg.Notifications.DigestHorizonDays = 30
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 5
	}
	if cfg.Queue.BackoffBaseSeconds == 0 {
		cfg.Queue.BackoffBaseSeconds = 60
	}
	if cfg.Queue.BackoffCapSeconds == 0 {
		cfg.Queue.BackoffCapSeconds = 3600
	}
	if cfg.Queue.StaleAgeMinutes == 0 {
		cfg.Queue.StaleAgeMinutes = 5
	}

	if cfg.Scheduler.ScadenzeNotifications.IntervalMinutes == 0 &&
		cfg.Scheduler.EmailQueue.IntervalMinutes == 0 {
		cfg.Scheduler = domain.DefaultSchedulerConfig()
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) first, so secrets can live in .env
// locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// Env-only deployments run without a config file.
		cfg = &Config{}
		applyDefaults(cfg)
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("MAIL_TRANSPORT"); v != "" {
		cfg.Mail.Transport = v
	}
	if v := os.Getenv("MAIL_FROM_EMAIL"); v != "" {
		cfg.Mail.FromEmail = v
	}
	if v := os.Getenv("APP_URL"); v != "" {
		cfg.Mail.AppURL = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Gmail.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Gmail.ClientSecret = v
	}
	if v := os.Getenv("GMAIL_REFRESH_TOKEN"); v != "" {
		cfg.Gmail.RefreshToken = v
	}

	return cfg, nil
}
