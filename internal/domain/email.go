package domain

import "time"

// QueueStatus is the delivery state of an email queue item.
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueSending QueueStatus = "sending"
	QueueSent    QueueStatus = "sent"
	QueueFailed  QueueStatus = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s QueueStatus) Terminal() bool { return s == QueueSent || s == QueueFailed }

// NotificationType classifies why an email was generated.
type NotificationType string

const (
	NotifyScadenzaAlert NotificationType = "scadenza_alert"
	NotifyWeeklyDigest  NotificationType = "digest_settimanale"
	NotifyTestEmail     NotificationType = "test_email"
)

// EmailQueueItem is one unit of outbound email work. The subject and HTML
// body are opaque to the queue; rendering happens before enqueue.
//
// DedupKey is the idempotency key: repeated enqueues of the same logical
// alert collapse to one row via a uniqueness constraint at the store layer,
// so the guarantee survives process restarts.
type EmailQueueItem struct {
	ID            string           `json:"id" db:"id"`
	DedupKey      string           `json:"dedup_key" db:"dedup_key"`
	To            string           `json:"to_email" db:"to_email"`
	Subject       string           `json:"subject" db:"subject"`
	HTMLContent   string           `json:"html_content" db:"html_content"`
	Type          NotificationType `json:"notification_type" db:"notification_type"`
	Priority      Priority         `json:"priority" db:"priority"`
	Status        QueueStatus      `json:"status" db:"status"`
	Attempts      int              `json:"attempts" db:"attempts"`
	LastError     string           `json:"error_message,omitempty" db:"error_message"`
	ScheduledFor  time.Time        `json:"scheduled_for" db:"scheduled_for"`
	NextRetryAt   *time.Time       `json:"next_retry_at,omitempty" db:"next_retry_at"`
	LastAttemptAt *time.Time       `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	SentAt        *time.Time       `json:"sent_at,omitempty" db:"sent_at"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
}

// QueueStats is a point-in-time snapshot of queue depth by state.
type QueueStats struct {
	Pending int `json:"pending"`
	Sending int `json:"sending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}
