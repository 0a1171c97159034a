package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/evolvi/scadenze-notifier/internal/domain"
)

// SettingsRepo implements the settings collaborators: per-user notification
// preferences, additional recipients, and scheduler config persistence.
type SettingsRepo struct{ db *sql.DB }

// NewSettingsRepo creates a Postgres-backed settings repository.
func NewSettingsRepo(db *sql.DB) *SettingsRepo { return &SettingsRepo{db: db} }

// GetNotificationSettings returns the user's saved preferences, or the
// default policy when the user never saved any.
func (r *SettingsRepo) GetNotificationSettings(ctx context.Context, email string) (domain.NotificationSettings, error) {
	s := domain.NotificationSettings{UserEmail: email}
	err := r.db.QueryRowContext(ctx, `
		SELECT email_enabled, scadenze_1_giorno, scadenze_3_giorni,
		       digest_settimanale, quiet_hours_enabled,
		       COALESCE(quiet_hours_start, ''), COALESCE(quiet_hours_end, '')
		FROM notification_settings
		WHERE user_email = $1
	`, email).Scan(
		&s.EmailEnabled, &s.AlertOneDay, &s.AlertThreeDay,
		&s.WeeklyDigest, &s.QuietHoursActive,
		&s.QuietHoursStart, &s.QuietHoursEnd,
	)
	if err == sql.ErrNoRows {
		return domain.DefaultNotificationSettings(email), nil
	}
	if err != nil {
		return s, fmt.Errorf("get notification settings: %w", err)
	}
	return s, nil
}

// SaveNotificationSettings upserts a user's preferences.
func (r *SettingsRepo) SaveNotificationSettings(ctx context.Context, s domain.NotificationSettings) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_settings
			(user_email, email_enabled, scadenze_1_giorno, scadenze_3_giorni,
			 digest_settimanale, quiet_hours_enabled, quiet_hours_start, quiet_hours_end, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NOW())
		ON CONFLICT (user_email) DO UPDATE SET
			email_enabled = EXCLUDED.email_enabled,
			scadenze_1_giorno = EXCLUDED.scadenze_1_giorno,
			scadenze_3_giorni = EXCLUDED.scadenze_3_giorni,
			digest_settimanale = EXCLUDED.digest_settimanale,
			quiet_hours_enabled = EXCLUDED.quiet_hours_enabled,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			updated_at = NOW()
	`, s.UserEmail, s.EmailEnabled, s.AlertOneDay, s.AlertThreeDay,
		s.WeeklyDigest, s.QuietHoursActive, s.QuietHoursStart, s.QuietHoursEnd)
	if err != nil {
		return fmt.Errorf("save notification settings: %w", err)
	}
	return nil
}

// ListAdditionalRecipients returns extra alert recipients, optionally only
// the active ones.
func (r *SettingsRepo) ListAdditionalRecipients(ctx context.Context, activeOnly bool) ([]domain.AdditionalRecipient, error) {
	q := `SELECT id, email, active, created_at FROM additional_recipients`
	if activeOnly {
		q += ` WHERE active = TRUE`
	}
	q += ` ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list additional recipients: %w", err)
	}
	defer rows.Close()

	var recipients []domain.AdditionalRecipient
	for rows.Next() {
		var rec domain.AdditionalRecipient
		if err := rows.Scan(&rec.ID, &rec.Email, &rec.Active, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan additional recipient: %w", err)
		}
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}

// AddAdditionalRecipient registers a new recipient address. Duplicate
// addresses are rejected by the store's uniqueness constraint.
func (r *SettingsRepo) AddAdditionalRecipient(ctx context.Context, email string) (domain.AdditionalRecipient, error) {
	rec := domain.AdditionalRecipient{ID: uuid.New().String(), Email: email, Active: true}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO additional_recipients (id, email, active, created_at)
		VALUES ($1, $2, TRUE, NOW())
		RETURNING created_at
	`, rec.ID, rec.Email).Scan(&rec.CreatedAt)
	if err != nil {
		return rec, fmt.Errorf("add additional recipient: %w", err)
	}
	return rec, nil
}

// SetAdditionalRecipientActive toggles a recipient without losing its history.
func (r *SettingsRepo) SetAdditionalRecipientActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE additional_recipients SET active = $2 WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("update additional recipient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteAdditionalRecipient removes a recipient address.
func (r *SettingsRepo) DeleteAdditionalRecipient(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM additional_recipients WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("delete additional recipient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// LoadSchedulerConfig returns the persisted scheduler configuration, or
// (nil, nil) when none was ever saved; the caller falls back to defaults.
func (r *SettingsRepo) LoadSchedulerConfig(ctx context.Context) (*domain.SchedulerConfig, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT config FROM scheduler_config WHERE id = 1
	`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load scheduler config: %w", err)
	}

	var cfg domain.SchedulerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse scheduler config: %w", err)
	}
	return &cfg, nil
}

// SaveSchedulerConfig persists the scheduler configuration so it survives
// restarts.
func (r *SettingsRepo) SaveSchedulerConfig(ctx context.Context, cfg domain.SchedulerConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode scheduler config: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scheduler_config (id, config, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET config = EXCLUDED.config, updated_at = NOW()
	`, raw)
	if err != nil {
		return fmt.Errorf("save scheduler config: %w", err)
	}
	return nil
}
