package mailer

import (
	"context"
	"time"

	"github.com/evolvi/scadenze-notifier/internal/pkg/logger"
)

// If a queue processor crashes mid-delivery, items remain stuck in 'sending'
// indefinitely and would never be claimed again. RecoveryWorker periodically
// scans for such items and either requeues them (if under the attempt cap)
// or parks them as failed.

const (
	// DefaultRecoveryInterval is how often we scan for stuck items.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultStaleAge is how long an item may sit in 'sending' before we
	// consider its worker crashed.
	DefaultStaleAge = 5 * time.Minute
)

// RecoveryWorker reclaims stuck queue items on a fixed cadence.
type RecoveryWorker struct {
	store    QueueStore
	policy   RetryPolicy
	interval time.Duration
	staleAge time.Duration
}

// NewRecoveryWorker creates a recovery worker. Non-positive timings fall
// back to the defaults.
func NewRecoveryWorker(store QueueStore, policy RetryPolicy, interval, staleAge time.Duration) *RecoveryWorker {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &RecoveryWorker{store: store, policy: policy, interval: interval, staleAge: staleAge}
}

// Start runs the recovery loop until ctx is cancelled.
func (w *RecoveryWorker) Start(ctx context.Context) {
	logger.Info("queue recovery started",
		"interval", w.interval.String(), "stale_age", w.staleAge.String(), "max_attempts", w.policy.MaxAttempts)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("queue recovery stopped")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce performs a single recovery pass.
func (w *RecoveryWorker) runOnce(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	requeued, err := w.store.RecoverStuck(opCtx, w.staleAge, w.policy.MaxAttempts)
	if err != nil {
		logger.Error("queue recovery pass failed", "error", err.Error())
		return
	}
	if requeued > 0 {
		logger.Warn("requeued stuck queue items", "count", requeued)
	}
}
