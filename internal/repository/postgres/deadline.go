package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/evolvi/scadenze-notifier/internal/domain"
)

// DeadlineRepo implements notification.DeadlineRepository against PostgreSQL.
// The deadline table is owned by the CRUD application; this repo only reads
// deadlines and writes to the notification log side table.
type DeadlineRepo struct{ db *sql.DB }

// NewDeadlineRepo creates a Postgres-backed deadline repository.
func NewDeadlineRepo(db *sql.DB) *DeadlineRepo { return &DeadlineRepo{db: db} }

// ListOpenDeadlines returns all deadlines that are not completed and are due
// on or before the given horizon. Overdue deadlines are included; filtering
// by days-remaining is the scan's job, not the store's.
func (r *DeadlineRepo) ListOpenDeadlines(ctx context.Context, until time.Time) ([]domain.Deadline, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, titolo, data_scadenza, stato,
		       COALESCE(priorita, 'media'),
		       COALESCE(cliente_nome, ''), COALESCE(progetto_titolo, ''),
		       COALESCE(responsabile_email, ''), COALESCE(note, '')
		FROM scadenze
		WHERE stato <> 'completata'
		  AND data_scadenza <= $1
		ORDER BY data_scadenza ASC
	`, until)
	if err != nil {
		return nil, fmt.Errorf("list open deadlines: %w", err)
	}
	defer rows.Close()

	var deadlines []domain.Deadline
	for rows.Next() {
		var d domain.Deadline
		if err := rows.Scan(
			&d.ID, &d.Title, &d.DueDate, &d.Status,
			&d.Priority, &d.ClientName, &d.ProjectTitle,
			&d.ResponsibleEmail, &d.Notes,
		); err != nil {
			return nil, fmt.Errorf("scan deadline: %w", err)
		}
		deadlines = append(deadlines, d)
	}
	return deadlines, rows.Err()
}

// HasAlertRecord reports whether an alert was already dispatched for the
// given entity/bucket pair.
func (r *DeadlineRepo) HasAlertRecord(ctx context.Context, entityID, bucket string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM notification_log
			WHERE entity_id = $1 AND bucket = $2
		)
	`, entityID, bucket).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check alert record: %w", err)
	}
	return exists, nil
}

// RecordAlert inserts the alert record for (entityID, bucket) and reports
// whether this call created it. A false return means another scan got there
// first; the caller must skip dispatch. The uniqueness constraint, not
// in-memory state, is the deduplication contract: it has to survive process
// restarts.
func (r *DeadlineRepo) RecordAlert(ctx context.Context, entityID, bucket, channel string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_log (entity_id, bucket, channel, sent_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (entity_id, bucket) DO NOTHING
	`, entityID, bucket, channel)
	if err != nil {
		return false, fmt.Errorf("record alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record alert result: %w", err)
	}
	return n > 0, nil
}
