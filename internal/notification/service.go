// Package notification holds the deadline-scanning decision engine: which
// outstanding deadlines warrant an alert, at what priority, and whether the
// alert already fired. Deduplication state lives in the deadline store, never
// in memory, so scans behave identically across process restarts.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/evolvi/scadenze-notifier/internal/domain"
	"github.com/evolvi/scadenze-notifier/internal/pkg/logger"
)

// DeadlineRepository is the read/mark contract against the deadline store.
type DeadlineRepository interface {
	ListOpenDeadlines(ctx context.Context, until time.Time) ([]domain.Deadline, error)
	HasAlertRecord(ctx context.Context, entityID, bucket string) (bool, error)
	// RecordAlert reports whether this call created the record; false means
	// another scan already claimed the (entity, bucket) pair.
	RecordAlert(ctx context.Context, entityID, bucket, channel string) (bool, error)
}

// SettingsRepository supplies per-user preferences and the extra recipient
// list.
type SettingsRepository interface {
	GetNotificationSettings(ctx context.Context, email string) (domain.NotificationSettings, error)
	ListAdditionalRecipients(ctx context.Context, activeOnly bool) ([]domain.AdditionalRecipient, error)
}

// Enqueuer hands rendered emails to the delivery queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, item *domain.EmailQueueItem) (bool, error)
}

// Service is the alerting decision engine.
type Service struct {
	deadlines DeadlineRepository
	settings  SettingsRepository
	queue     Enqueuer
	templates *TemplateService
	policy    Policy

	now func() time.Time // injectable clock for tests
}

// NewService creates the notification service.
func NewService(deadlines DeadlineRepository, settings SettingsRepository, queue Enqueuer, templates *TemplateService, policy Policy) *Service {
	if policy.ScanWindowDays <= 0 {
		policy = DefaultPolicy()
	}
	return &Service{
		deadlines: deadlines,
		settings:  settings,
		queue:     queue,
		templates: templates,
		policy:    policy,
		now:       time.Now,
	}
}

// ScanResult summarizes one deadline scan.
type ScanResult struct {
	Scanned int `json:"scanned"`
	Alerted int `json:"alerted"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// ProcessScadenzeNotifications scans all open deadlines and dispatches the
// alerts that are due. Re-running the scan against an unchanged deadline set
// is a no-op: the alert record per (deadline, bucket) is the sole and exact
// deduplication mechanism.
//
// Per-deadline failures are isolated; only a failure to list deadlines
// aborts the scan.
func (s *Service) ProcessScadenzeNotifications(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	now := s.now()
	until := now.AddDate(0, 0, s.policy.ScanWindowDays)

	deadlines, err := s.deadlines.ListOpenDeadlines(ctx, until)
	if err != nil {
		return res, fmt.Errorf("scan deadlines: %w", err)
	}
	res.Scanned = len(deadlines)
	logger.Info("deadline scan started", "open_deadlines", res.Scanned)

	// Settings are fetched once per responsible party per scan.
	settingsCache := make(map[string]domain.NotificationSettings)

	for _, d := range deadlines {
		alerted, err := s.processDeadline(ctx, d, now, settingsCache)
		if err != nil {
			res.Errors++
			logger.Error("deadline alert failed", "deadline_id", d.ID, "error", err.Error())
			continue
		}
		if alerted {
			res.Alerted++
		} else {
			res.Skipped++
		}
	}

	logger.Info("deadline scan complete",
		"scanned", res.Scanned, "alerted", res.Alerted, "skipped", res.Skipped, "errors", res.Errors)
	return res, nil
}

func (s *Service) processDeadline(ctx context.Context, d domain.Deadline, now time.Time, settingsCache map[string]domain.NotificationSettings) (bool, error) {
	days := d.DaysRemaining(now)
	class, ok := s.policy.classify(days, now)
	if !ok {
		return false, nil
	}

	// Cheap read first; the insert below is the authoritative check.
	exists, err := s.deadlines.HasAlertRecord(ctx, d.ID, class.Bucket)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if d.ResponsibleEmail != "" {
		settings, ok := settingsCache[d.ResponsibleEmail]
		if !ok {
			settings, err = s.settings.GetNotificationSettings(ctx, d.ResponsibleEmail)
			if err != nil {
				return false, err
			}
			settingsCache[d.ResponsibleEmail] = settings
		}
		if !class.allowedBySettings(settings) {
			return false, nil
		}
		// Quiet hours defer the alert: no record is written, so a later
		// scan outside the window picks the deadline up again.
		if settings.InQuietHours(now) {
			logger.Debug("alert deferred, quiet hours", "deadline_id", d.ID, "responsabile", d.ResponsibleEmail)
			return false, nil
		}
	}

	inserted, err := s.deadlines.RecordAlert(ctx, d.ID, class.Bucket, "email")
	if err != nil {
		return false, err
	}
	if !inserted {
		// A concurrent scan won the insert; this bucket is already handled.
		return false, nil
	}

	if err := s.CreateScadenzaAlert(ctx, d, days); err != nil {
		return false, err
	}
	return true, nil
}

// CreateScadenzaAlert renders and enqueues the alert email for a deadline,
// addressed to the responsible party plus all active additional recipients.
// It does not consult the alert record: the scan has already claimed it,
// and operator-initiated test sends have none. The queue's dedup key still
// collapses accidental duplicates.
func (s *Service) CreateScadenzaAlert(ctx context.Context, d domain.Deadline, daysRemaining int) error {
	now := s.now()
	class, ok := s.policy.classify(daysRemaining, now)
	if !ok {
		class = classification{
			Bucket:   domain.BucketThreeDay,
			Priority: domain.PriorityBassa,
			Urgency:  "PROMEMORIA",
		}
	}

	email, err := s.templates.RenderAlert(d, daysRemaining, class.Urgency)
	if err != nil {
		return err
	}

	recipients, err := s.alertRecipients(ctx, d.ResponsibleEmail)
	if err != nil {
		return err
	}

	for _, to := range recipients {
		item := &domain.EmailQueueItem{
			DedupKey:    fmt.Sprintf("%s|%s|%s", d.ID, class.Bucket, to),
			To:          to,
			Subject:     email.Subject,
			HTMLContent: email.HTML,
			Type:        domain.NotifyScadenzaAlert,
			Priority:    class.Priority,
		}
		if _, err := s.queue.Enqueue(ctx, item); err != nil {
			return fmt.Errorf("enqueue alert for %s: %w", to, err)
		}
	}
	return nil
}

// alertRecipients returns the responsible party plus active additional
// recipients, deduplicated, preserving order.
func (s *Service) alertRecipients(ctx context.Context, responsible string) ([]string, error) {
	extra, err := s.settings.ListAdditionalRecipients(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list additional recipients: %w", err)
	}

	seen := make(map[string]bool)
	var recipients []string
	add := func(email string) {
		if email != "" && !seen[email] {
			seen[email] = true
			recipients = append(recipients, email)
		}
	}
	add(responsible)
	for _, r := range extra {
		add(r.Email)
	}
	return recipients, nil
}

// DigestResult summarizes one weekly digest run.
type DigestResult struct {
	Recipients int `json:"recipients"`
	Deadlines  int `json:"deadlines"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

// SendWeeklyDigests sends one aggregated email per recipient covering open
// deadlines due within the digest horizon. Each responsible party receives
// their own deadlines; active additional recipients receive all of them.
// An alert record keyed on (recipient, ISO week) caps delivery at one digest
// per calendar week per recipient, however often this runs.
func (s *Service) SendWeeklyDigests(ctx context.Context) (DigestResult, error) {
	var res DigestResult
	now := s.now()
	horizon := now.AddDate(0, 0, s.policy.DigestHorizonDays)

	deadlines, err := s.deadlines.ListOpenDeadlines(ctx, horizon)
	if err != nil {
		return res, fmt.Errorf("digest scan: %w", err)
	}
	res.Deadlines = len(deadlines)
	if len(deadlines) == 0 {
		logger.Info("weekly digest: no open deadlines")
		return res, nil
	}

	byResponsible := make(map[string][]domain.Deadline)
	for _, d := range deadlines {
		if d.ResponsibleEmail != "" {
			byResponsible[d.ResponsibleEmail] = append(byResponsible[d.ResponsibleEmail], d)
		}
	}

	weekBucket := domain.DigestBucket(now)
	daysFor := func(d domain.Deadline) int { return d.DaysRemaining(now) }

	for responsible, own := range byResponsible {
		settings, err := s.settings.GetNotificationSettings(ctx, responsible)
		if err != nil {
			res.Errors++
			logger.Error("digest settings lookup failed", "recipient", responsible, "error", err.Error())
			continue
		}
		if !settings.EmailEnabled || !settings.WeeklyDigest {
			res.Skipped++
			continue
		}
		sent, err := s.sendDigestTo(ctx, responsible, weekBucket, own, daysFor)
		if err != nil {
			res.Errors++
			logger.Error("digest send failed", "recipient", responsible, "error", err.Error())
			continue
		}
		if sent {
			res.Recipients++
		} else {
			res.Skipped++
		}
	}

	extra, err := s.settings.ListAdditionalRecipients(ctx, true)
	if err != nil {
		return res, fmt.Errorf("digest recipients: %w", err)
	}
	for _, r := range extra {
		if _, ok := byResponsible[r.Email]; ok {
			continue // already digested as a responsible party
		}
		sent, err := s.sendDigestTo(ctx, r.Email, weekBucket, deadlines, daysFor)
		if err != nil {
			res.Errors++
			logger.Error("digest send failed", "recipient", r.Email, "error", err.Error())
			continue
		}
		if sent {
			res.Recipients++
		} else {
			res.Skipped++
		}
	}

	logger.Info("weekly digest complete",
		"recipients", res.Recipients, "deadlines", res.Deadlines, "skipped", res.Skipped, "errors", res.Errors)
	return res, nil
}

func (s *Service) sendDigestTo(ctx context.Context, recipient, weekBucket string, deadlines []domain.Deadline, daysFor func(domain.Deadline) int) (bool, error) {
	inserted, err := s.deadlines.RecordAlert(ctx, "digest:"+recipient, weekBucket, "email")
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil // this week's digest already went out
	}

	email, err := s.templates.RenderDigest(deadlines, daysFor)
	if err != nil {
		return false, err
	}

	item := &domain.EmailQueueItem{
		DedupKey:    fmt.Sprintf("digest|%s|%s", weekBucket, recipient),
		To:          recipient,
		Subject:     email.Subject,
		HTMLContent: email.HTML,
		Type:        domain.NotifyWeeklyDigest,
		Priority:    domain.PriorityBassa,
	}
	if _, err := s.queue.Enqueue(ctx, item); err != nil {
		return false, err
	}
	return true, nil
}
