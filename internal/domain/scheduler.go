package domain

import (
	"fmt"
	"time"
)

// SchedulerConfig drives the notification scheduler's three loops. It can be
// updated while the scheduler runs; the new values take effect on the next
// tick of each loop.
type SchedulerConfig struct {
	ScadenzeNotifications ScanConfig   `json:"scadenzeNotifications" yaml:"scadenze_notifications"`
	WeeklyDigest          DigestConfig `json:"weeklyDigest" yaml:"weekly_digest"`
	EmailQueue            QueueConfig  `json:"emailQueue" yaml:"email_queue"`
}

// ScanConfig configures the deadline scan loop.
type ScanConfig struct {
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	IntervalMinutes int      `json:"interval" yaml:"interval_minutes"`
	Times           []string `json:"times" yaml:"times"` // HH:mm; empty means every tick
}

// DigestConfig configures the weekly digest loop.
type DigestConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	DayOfWeek int    `json:"dayOfWeek" yaml:"day_of_week"` // 0 = Sunday
	Time      string `json:"time" yaml:"time"`             // HH:mm
}

// QueueConfig configures the email queue drain loop.
type QueueConfig struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	IntervalMinutes int  `json:"interval" yaml:"interval_minutes"`
	BatchSize       int  `json:"batchSize" yaml:"batch_size"`
}

// DefaultSchedulerConfig mirrors the deployment defaults: scans three times a
// day, Monday-morning digest, queue drained every five minutes in batches of
// ten.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		ScadenzeNotifications: ScanConfig{
			Enabled:         true,
			IntervalMinutes: 60,
			Times:           []string{"09:00", "14:00", "18:00"},
		},
		WeeklyDigest: DigestConfig{
			Enabled:   true,
			DayOfWeek: 1,
			Time:      "08:00",
		},
		EmailQueue: QueueConfig{
			Enabled:         true,
			IntervalMinutes: 5,
			BatchSize:       10,
		},
	}
}

// Validate rejects configurations the scheduler cannot run with. Callers
// surface the returned error as an InvalidConfig failure; scheduler state is
// left untouched.
func (c SchedulerConfig) Validate() error {
	if c.ScadenzeNotifications.IntervalMinutes <= 0 {
		return fmt.Errorf("scan interval must be positive, got %d", c.ScadenzeNotifications.IntervalMinutes)
	}
	for _, t := range c.ScadenzeNotifications.Times {
		if !validClockTime(t) {
			return fmt.Errorf("invalid scan time %q, want HH:mm", t)
		}
	}
	if c.WeeklyDigest.DayOfWeek < 0 || c.WeeklyDigest.DayOfWeek > 6 {
		return fmt.Errorf("digest day of week must be 0-6, got %d", c.WeeklyDigest.DayOfWeek)
	}
	if c.WeeklyDigest.Time != "" && !validClockTime(c.WeeklyDigest.Time) {
		return fmt.Errorf("invalid digest time %q, want HH:mm", c.WeeklyDigest.Time)
	}
	if c.EmailQueue.IntervalMinutes <= 0 {
		return fmt.Errorf("queue interval must be positive, got %d", c.EmailQueue.IntervalMinutes)
	}
	if c.EmailQueue.BatchSize <= 0 {
		return fmt.Errorf("queue batch size must be positive, got %d", c.EmailQueue.BatchSize)
	}
	return nil
}

func validClockTime(s string) bool {
	_, err := time.Parse("15:04", s)
	return err == nil
}

// SchedulerStatus is a read-only snapshot of the scheduler. Reads never block
// on a running scan.
type SchedulerStatus struct {
	Running       bool            `json:"running"`
	Config        SchedulerConfig `json:"config"`
	LastTickAt    *time.Time      `json:"last_tick_at,omitempty"`
	NextScanAt    *time.Time      `json:"next_scan_at,omitempty"`
	NextDigestAt  *time.Time      `json:"next_digest_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	LastErrorAt   *time.Time      `json:"last_error_at,omitempty"`
	ScansRun      int64           `json:"scans_run"`
	DigestsRun    int64           `json:"digests_run"`
	QueueRunsDone int64           `json:"queue_runs"`
}
