// Package mailer owns the durable email queue: idempotent enqueue, batch
// delivery with bounded retries, and recovery of items orphaned by crashed
// workers. At-least-once delivery; exactly-once enqueue per dedup key.
package mailer

import (
	"context"
	"fmt"
	"time"

	"github.com/evolvi/scadenze-notifier/internal/domain"
	"github.com/evolvi/scadenze-notifier/internal/pkg/logger"
)

// QueueStore is the persistence contract for the email queue. The postgres
// implementation enforces dedup-key uniqueness and atomic claiming; the
// mailer never relies on in-process state for either.
type QueueStore interface {
	Insert(ctx context.Context, item *domain.EmailQueueItem) (bool, error)
	ClaimBatch(ctx context.Context, limit int) ([]domain.EmailQueueItem, error)
	MarkSent(ctx context.Context, id string) error
	Release(ctx context.Context, id, errMsg string, nextRetryAt time.Time) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	RecoverStuck(ctx context.Context, staleAge time.Duration, maxAttempts int) (int64, error)
	Stats(ctx context.Context) (domain.QueueStats, error)
	ListFailed(ctx context.Context, limit int) ([]domain.EmailQueueItem, error)
}

// Transport delivers a single message. Failures are undifferentiated at this
// boundary: the queue treats every error as retryable up to the attempt cap.
type Transport interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// RetryPolicy bounds delivery retries.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultRetryPolicy: five attempts, 1m/2m/4m/8m backoff, capped at an hour.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BackoffBase: time.Minute,
		BackoffCap:  time.Hour,
	}
}

// NextDelay computes the exponential backoff after the given number of
// completed attempts: base * 2^(attempts-1), capped.
func (p RetryPolicy) NextDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if d > p.BackoffCap {
		d = p.BackoffCap
	}
	return d
}

// Service is the email delivery queue processor.
type Service struct {
	store     QueueStore
	transport Transport
	policy    RetryPolicy
}

// NewService creates an email service over the given store and transport.
func NewService(store QueueStore, transport Transport, policy RetryPolicy) *Service {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Service{store: store, transport: transport, policy: policy}
}

// Enqueue inserts a queue item in pending state. Returns false when the
// item's dedup key already exists, in which case nothing was queued.
func (s *Service) Enqueue(ctx context.Context, item *domain.EmailQueueItem) (bool, error) {
	if item.To == "" {
		return false, fmt.Errorf("enqueue: empty recipient")
	}
	if item.Priority == "" {
		item.Priority = domain.PriorityMedia
	}
	inserted, err := s.store.Insert(ctx, item)
	if err != nil {
		return false, err
	}
	if inserted {
		logger.Debug("email queued", "recipient", item.To, "type", string(item.Type), "dedup_key", item.DedupKey)
	}
	return inserted, nil
}

// ProcessResult summarizes one queue-drain pass.
type ProcessResult struct {
	Claimed   int `json:"claimed"`
	Sent      int `json:"sent"`
	Retried   int `json:"retried"`
	Exhausted int `json:"exhausted"`
}

// ProcessEmailQueue claims one batch of eligible items and attempts delivery
// for each. Per-item failures never abort the batch: a failed send either
// schedules a retry or, at the attempt cap, parks the item in the terminal
// failed state. Only a claim error (the store being unreachable) is
// returned to the caller.
//
// Safe under concurrent invocation: claiming is atomic at the store level,
// so overlapping calls drain disjoint batches.
func (s *Service) ProcessEmailQueue(ctx context.Context, batchSize int) (ProcessResult, error) {
	var res ProcessResult
	if batchSize <= 0 {
		batchSize = 10
	}

	items, err := s.store.ClaimBatch(ctx, batchSize)
	if err != nil {
		return res, fmt.Errorf("process email queue: %w", err)
	}
	res.Claimed = len(items)
	if len(items) == 0 {
		return res, nil
	}

	for _, item := range items {
		if err := s.deliver(ctx, item); err != nil {
			if item.Attempts >= s.policy.MaxAttempts {
				res.Exhausted++
				if mErr := s.store.MarkFailed(ctx, item.ID, err.Error()); mErr != nil {
					logger.Error("failed to park exhausted item", "id", item.ID, "error", mErr.Error())
				}
				logger.Warn("delivery exhausted", "id", item.ID, "recipient", item.To, "attempts", item.Attempts)
				continue
			}
			res.Retried++
			retryAt := time.Now().Add(s.policy.NextDelay(item.Attempts))
			if rErr := s.store.Release(ctx, item.ID, err.Error(), retryAt); rErr != nil {
				logger.Error("failed to release item for retry", "id", item.ID, "error", rErr.Error())
			}
			logger.Info("delivery failed, retry scheduled",
				"id", item.ID, "recipient", item.To, "attempt", item.Attempts, "retry_at", retryAt.Format(time.RFC3339))
			continue
		}

		res.Sent++
		if mErr := s.store.MarkSent(ctx, item.ID); mErr != nil {
			logger.Error("failed to mark item sent", "id", item.ID, "error", mErr.Error())
		}
	}

	logger.Info("email queue pass complete",
		"claimed", res.Claimed, "sent", res.Sent, "retried", res.Retried, "exhausted", res.Exhausted)
	return res, nil
}

func (s *Service) deliver(ctx context.Context, item domain.EmailQueueItem) error {
	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.transport.Send(sendCtx, item.To, item.Subject, item.HTMLContent)
}

// Stats returns queue depth by state.
func (s *Service) Stats(ctx context.Context) (domain.QueueStats, error) {
	return s.store.Stats(ctx)
}

// ListFailed exposes terminally failed items for operator inspection.
func (s *Service) ListFailed(ctx context.Context, limit int) ([]domain.EmailQueueItem, error) {
	return s.store.ListFailed(ctx, limit)
}
