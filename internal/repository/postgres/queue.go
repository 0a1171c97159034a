package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/evolvi/scadenze-notifier/internal/domain"
)

// QueueRepo implements mailer.QueueStore against PostgreSQL. Atomic
// claim-and-transition at the store level is the concurrency boundary for
// delivery: overlapping queue processors, in-process or across hosts, never
// see the same pending item twice.
type QueueRepo struct{ db *sql.DB }

// NewQueueRepo creates a Postgres-backed email queue repository.
func NewQueueRepo(db *sql.DB) *QueueRepo { return &QueueRepo{db: db} }

// Insert stores a new queue item in pending state. When the item carries a
// dedup key and a row with that key already exists, the insert is a no-op
// and Insert returns false: the same logical alert is never queued twice.
func (r *QueueRepo) Insert(ctx context.Context, item *domain.EmailQueueItem) (bool, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.ScheduledFor.IsZero() {
		item.ScheduledFor = time.Now()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO email_queue
			(id, dedup_key, to_email, subject, html_content,
			 notification_type, priority, status, attempts, scheduled_for, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, 'pending', 0, $8, NOW())
		ON CONFLICT (dedup_key) DO NOTHING
	`, item.ID, item.DedupKey, item.To, item.Subject, item.HTMLContent,
		item.Type, item.Priority, item.ScheduledFor)
	if err != nil {
		return false, fmt.Errorf("insert queue item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert queue item result: %w", err)
	}
	return n > 0, nil
}

// ClaimBatch atomically transitions up to limit eligible pending items to
// 'sending' and returns them. Eligible means scheduled and past any retry
// backoff. FOR UPDATE SKIP LOCKED keeps concurrent claimers from blocking on
// or double-claiming the same rows.
//
// The attempt counter increments at claim time, so Attempts on a returned
// item already includes the delivery attempt about to be made.
func (r *QueueRepo) ClaimBatch(ctx context.Context, limit int) ([]domain.EmailQueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE email_queue
			SET status = 'sending', attempts = attempts + 1, last_attempt_at = NOW()
			WHERE id IN (
				SELECT id FROM email_queue
				WHERE status = 'pending'
				  AND scheduled_for <= NOW()
				  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
				ORDER BY
					CASE priority WHEN 'alta' THEN 0 WHEN 'media' THEN 1 ELSE 2 END,
					created_at ASC
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, COALESCE(dedup_key, ''), to_email, subject, html_content,
			          notification_type, priority, attempts, created_at
		)
		SELECT * FROM claimed
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim queue batch: %w", err)
	}
	defer rows.Close()

	var items []domain.EmailQueueItem
	for rows.Next() {
		var item domain.EmailQueueItem
		if err := rows.Scan(
			&item.ID, &item.DedupKey, &item.To, &item.Subject, &item.HTMLContent,
			&item.Type, &item.Priority, &item.Attempts, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan claimed item: %w", err)
		}
		item.Status = domain.QueueSending
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkSent completes an item. Sent is terminal.
func (r *QueueRepo) MarkSent(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'sent', sent_at = NOW(), error_message = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// Release returns a claimed item to pending after a transient delivery
// failure, recording the attempt and the earliest time a future claim may
// pick it up again.
func (r *QueueRepo) Release(ctx context.Context, id, errMsg string, nextRetryAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'pending', error_message = $2, next_retry_at = $3
		WHERE id = $1
	`, id, errMsg, nextRetryAt)
	if err != nil {
		return fmt.Errorf("release queue item: %w", err)
	}
	return nil
}

// MarkFailed moves an item to the terminal failed state. No retry time is
// set; failed items stay visible for operator inspection and are never
// claimed again.
func (r *QueueRepo) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'failed', error_message = $2, next_retry_at = NULL
		WHERE id = $1
	`, id, errMsg)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// RecoverStuck requeues items stuck in 'sending' longer than staleAge (the
// claiming worker likely crashed) and fails those already at the attempt
// cap. Returns how many items were requeued.
func (r *QueueRepo) RecoverStuck(ctx context.Context, staleAge time.Duration, maxAttempts int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'pending'
		WHERE status = 'sending'
		  AND last_attempt_at < NOW() - $1::interval
		  AND attempts < $2
	`, staleAge.String(), maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck items: %w", err)
	}
	requeued, _ := res.RowsAffected()

	_, err = r.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'failed', next_retry_at = NULL,
		    error_message = COALESCE(error_message, 'delivery attempts exhausted')
		WHERE status IN ('sending', 'pending')
		  AND attempts >= $1
	`, maxAttempts)
	if err != nil {
		return requeued, fmt.Errorf("fail exhausted items: %w", err)
	}
	return requeued, nil
}

// Stats returns queue depth by state.
func (r *QueueRepo) Stats(ctx context.Context) (domain.QueueStats, error) {
	var s domain.QueueStats
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'sending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM email_queue
	`).Scan(&s.Pending, &s.Sending, &s.Sent, &s.Failed)
	if err != nil {
		return s, fmt.Errorf("queue stats: %w", err)
	}
	return s, nil
}

// ListFailed returns terminally failed items for operator inspection.
func (r *QueueRepo) ListFailed(ctx context.Context, limit int) ([]domain.EmailQueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, COALESCE(dedup_key, ''), to_email, subject,
		       notification_type, priority, attempts,
		       COALESCE(error_message, ''), last_attempt_at, created_at
		FROM email_queue
		WHERE status = 'failed'
		ORDER BY last_attempt_at DESC NULLS LAST
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed items: %w", err)
	}
	defer rows.Close()

	var items []domain.EmailQueueItem
	for rows.Next() {
		var item domain.EmailQueueItem
		var lastAttempt sql.NullTime
		if err := rows.Scan(
			&item.ID, &item.DedupKey, &item.To, &item.Subject,
			&item.Type, &item.Priority, &item.Attempts,
			&item.LastError, &lastAttempt, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan failed item: %w", err)
		}
		item.Status = domain.QueueFailed
		if lastAttempt.Valid {
			t := lastAttempt.Time
			item.LastAttemptAt = &t
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
