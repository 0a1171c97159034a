package domain

import (
	"fmt"
	"time"
)

// DeadlineStatus is the lifecycle state of a tracked deadline ("scadenza").
type DeadlineStatus string

const (
	DeadlineNotStarted DeadlineStatus = "non_iniziata"
	DeadlineInProgress DeadlineStatus = "in_corso"
	DeadlineCompleted  DeadlineStatus = "completata"
	DeadlineLate       DeadlineStatus = "in_ritardo"
)

// Open reports whether the deadline still needs alerting.
// Completed deadlines are never alerted on.
func (s DeadlineStatus) Open() bool {
	return s == DeadlineNotStarted || s == DeadlineInProgress || s == DeadlineLate
}

// Priority classifies the urgency of an alert.
type Priority string

const (
	PriorityAlta  Priority = "alta"
	PriorityMedia Priority = "media"
	PriorityBassa Priority = "bassa"
)

// Deadline is a dated obligation tied to a project, read from the deadline
// store at scan time. DaysRemaining is always derived from DueDate against
// the scan clock and is never persisted.
type Deadline struct {
	ID               string         `json:"id" db:"id"`
	Title            string         `json:"titolo" db:"titolo"`
	DueDate          time.Time      `json:"data_scadenza" db:"data_scadenza"`
	Status           DeadlineStatus `json:"stato" db:"stato"`
	Priority         Priority       `json:"priorita" db:"priorita"`
	ClientName       string         `json:"cliente_nome" db:"cliente_nome"`
	ProjectTitle     string         `json:"progetto_titolo" db:"progetto_titolo"`
	ResponsibleEmail string         `json:"responsabile_email" db:"responsabile_email"`
	Notes            string         `json:"note,omitempty" db:"note"`
}

// DaysRemaining computes whole days between now and the due date, comparing
// calendar dates so that "due tomorrow" is 1 regardless of the time of day.
// Negative values mean the deadline is overdue.
func (d Deadline) DaysRemaining(now time.Time) int {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	due := time.Date(d.DueDate.Year(), d.DueDate.Month(), d.DueDate.Day(), 0, 0, 0, 0, now.Location())
	return int(due.Sub(today) / (24 * time.Hour))
}

// Alert buckets. A bucket is the coarse urgency classification used as the
// deduplication key for alerts: once an AlertRecord exists for a
// (deadline, bucket) pair, that bucket never re-fires.
const (
	BucketOneDay   = "1-day"
	BucketThreeDay = "3-day"
)

// OverdueBucket returns the per-day dedup bucket for an overdue deadline.
// The date component bounds email volume to one alert per calendar day
// while the deadline remains overdue.
func OverdueBucket(now time.Time) string {
	return "overdue-" + now.Format("2006-01-02")
}

// DigestBucket returns the per-ISO-week dedup bucket for a weekly digest,
// e.g. "week-2026-W36".
func DigestBucket(now time.Time) string {
	year, week := now.ISOWeek()
	return fmt.Sprintf("week-%d-W%02d", year, week)
}

// AlertRecord marks that an alert was dispatched for an entity in a given
// bucket. Records are write-once; they exist only to be checked by later
// scans. EntityID is a deadline ID for alerts and a recipient address
// (prefixed "digest:") for weekly digests.
type AlertRecord struct {
	EntityID string    `json:"entity_id" db:"entity_id"`
	Bucket   string    `json:"bucket" db:"bucket"`
	Channel  string    `json:"channel" db:"channel"`
	SentAt   time.Time `json:"sent_at" db:"sent_at"`
}

// NotificationSettings holds a responsible party's alerting preferences.
// Missing rows fall back to DefaultNotificationSettings.
type NotificationSettings struct {
	UserEmail        string `json:"user_email" db:"user_email"`
	EmailEnabled     bool   `json:"email_enabled" db:"email_enabled"`
	AlertOneDay      bool   `json:"scadenze_1_giorno" db:"scadenze_1_giorno"`
	AlertThreeDay    bool   `json:"scadenze_3_giorni" db:"scadenze_3_giorni"`
	WeeklyDigest     bool   `json:"digest_settimanale" db:"digest_settimanale"`
	QuietHoursStart  string `json:"quiet_hours_start" db:"quiet_hours_start"` // HH:mm
	QuietHoursEnd    string `json:"quiet_hours_end" db:"quiet_hours_end"`     // HH:mm
	QuietHoursActive bool   `json:"quiet_hours_enabled" db:"quiet_hours_enabled"`
}

// DefaultNotificationSettings returns the policy applied to users who never
// saved preferences: all alert types on, quiet hours off.
func DefaultNotificationSettings(email string) NotificationSettings {
	return NotificationSettings{
		UserEmail:     email,
		EmailEnabled:  true,
		AlertOneDay:   true,
		AlertThreeDay: true,
		WeeklyDigest:  true,
	}
}

// InQuietHours reports whether now falls inside the user's do-not-disturb
// window. The window may wrap midnight (e.g. 22:00-08:00).
func (s NotificationSettings) InQuietHours(now time.Time) bool {
	if !s.QuietHoursActive || s.QuietHoursStart == "" || s.QuietHoursEnd == "" {
		return false
	}
	cur := now.Format("15:04")
	if s.QuietHoursStart <= s.QuietHoursEnd {
		return cur >= s.QuietHoursStart && cur <= s.QuietHoursEnd
	}
	return cur >= s.QuietHoursStart || cur <= s.QuietHoursEnd
}

// AdditionalRecipient is an extra address that receives every alert and the
// weekly digest, independent of deadline ownership.
type AdditionalRecipient struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
