// Package scheduler owns the process-wide recurring timers that drive the
// notification scan, the weekly digest, and the email queue drain. The
// scheduler is an instance component with its own synchronization, so tests
// can run independent schedulers side by side.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/evolvi/scadenze-notifier/internal/domain"
	"github.com/evolvi/scadenze-notifier/internal/mailer"
	"github.com/evolvi/scadenze-notifier/internal/notification"
	"github.com/evolvi/scadenze-notifier/internal/pkg/distlock"
	"github.com/evolvi/scadenze-notifier/internal/pkg/logger"
)

var (
	// ErrInvalidConfig rejects a start or config update; scheduler state is
	// unchanged when it is returned.
	ErrInvalidConfig = errors.New("invalid scheduler config")

	// ErrScanAlreadyRunning is returned to a caller that triggers a scan
	// while one is in flight. It is not an error for the in-flight scan.
	ErrScanAlreadyRunning = errors.New("scan already running")
)

const (
	scanTimeTolerance   = 2 * time.Minute
	digestTimeTolerance = 5 * time.Minute
	tickTimeout         = 5 * time.Minute
)

// Scanner is the decision engine invoked on each tick.
type Scanner interface {
	ProcessScadenzeNotifications(ctx context.Context) (notification.ScanResult, error)
	SendWeeklyDigests(ctx context.Context) (notification.DigestResult, error)
}

// QueueProcessor drains the email queue.
type QueueProcessor interface {
	ProcessEmailQueue(ctx context.Context, batchSize int) (mailer.ProcessResult, error)
}

// ConfigStore persists scheduler configuration across restarts.
type ConfigStore interface {
	SaveSchedulerConfig(ctx context.Context, cfg domain.SchedulerConfig) error
}

// LockFactory produces a distributed lock for a named operation so that only
// one process in the deployment runs a scan at a time. A nil factory skips
// cross-process locking; the in-process guard still applies.
type LockFactory func(key string, ttl time.Duration) distlock.DistLock

// Scheduler drives the three notification loops.
type Scheduler struct {
	scanner Scanner
	queue   QueueProcessor
	store   ConfigStore // optional
	locks   LockFactory // optional

	// lifeMu serializes Start, Stop, and Restart end to end: the old timers
	// must be fully cancelled and drained before new ones are armed, and two
	// concurrent starts must not both pass the stop phase.
	lifeMu sync.Mutex

	mu      sync.Mutex // guards status fields
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	config  domain.SchedulerConfig

	lastTickAt  *time.Time
	lastError   string
	lastErrorAt *time.Time
	scansRun    int64
	digestsRun  int64
	queueRuns   int64

	// scanMu is the single-flight guard: automatic ticks and manual checks
	// both serialize through it.
	scanMu sync.Mutex

	now func() time.Time
}

// New creates a stopped scheduler. store and locks may be nil.
func New(scanner Scanner, queue QueueProcessor, store ConfigStore, locks LockFactory) *Scheduler {
	return &Scheduler{
		scanner: scanner,
		queue:   queue,
		store:   store,
		locks:   locks,
		config:  domain.DefaultSchedulerConfig(),
		now:     time.Now,
	}
}

// Start validates config and arms the recurring timers. If the scheduler is
// already running, the active timers are fully cancelled and drained before
// the new ones are armed, so there is no double-fire window. All three loops
// are armed regardless of their Enabled flags; the flag is consulted at each
// tick, so a later UpdateConfig can switch a loop on or off.
func (s *Scheduler) Start(cfg domain.SchedulerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.halt()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.running = true
	s.config = cfg
	s.mu.Unlock()

	s.wg.Add(3)
	go s.scanLoop(ctx)
	go s.digestLoop(ctx)
	go s.queueLoop(ctx)

	s.persistConfig(cfg)
	logger.Info("scheduler started",
		"scan_interval_min", cfg.ScadenzeNotifications.IntervalMinutes,
		"queue_interval_min", cfg.EmailQueue.IntervalMinutes)
	return nil
}

// Stop cancels the timers and waits for the loops to exit. An in-flight tick
// always runs to completion: cancellation stops rearming, not work already
// started. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.halt() {
		logger.Info("scheduler stopped")
	}
}

// halt cancels the loops and waits for them to drain. The caller must hold
// lifeMu: the wait must finish before anyone re-arms the WaitGroup.
func (s *Scheduler) halt() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	return true
}

// Restart stops the active timers and re-arms them with the new config as one
// step. Start already does exactly that.
func (s *Scheduler) Restart(cfg domain.SchedulerConfig) error {
	return s.Start(cfg)
}

// UpdateConfig validates and swaps the configuration without interrupting an
// in-flight tick. Each loop reads the config at the top of its next tick, so
// new intervals, times, and Enabled flags apply from then on.
func (s *Scheduler) UpdateConfig(cfg domain.SchedulerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	s.mu.Lock()
	s.config = cfg
	running := s.running
	s.mu.Unlock()

	s.persistConfig(cfg)
	logger.Info("scheduler config updated", "running", fmt.Sprintf("%t", running))
	return nil
}

// ManualCheckResult reports what a manual check did.
type ManualCheckResult struct {
	Scan  notification.ScanResult `json:"scan"`
	Queue mailer.ProcessResult    `json:"queue"`
}

// RunManualCheck triggers one scan plus a queue drain synchronously,
// regardless of scheduler run state. It serializes through the same
// single-flight guard as automatic ticks; a check arriving while a scan is
// in flight is rejected with ErrScanAlreadyRunning rather than queued.
func (s *Scheduler) RunManualCheck(ctx context.Context) (ManualCheckResult, error) {
	var res ManualCheckResult
	if !s.scanMu.TryLock() {
		return res, ErrScanAlreadyRunning
	}
	defer s.scanMu.Unlock()

	if s.locks != nil {
		lock := s.locks("notifications:scan", tickTimeout)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			return res, fmt.Errorf("manual check: %w", err)
		}
		if !acquired {
			return res, ErrScanAlreadyRunning
		}
		defer lock.Release(ctx)
	}

	scan, err := s.scanner.ProcessScadenzeNotifications(ctx)
	if err != nil {
		s.recordError(err)
		return res, err
	}
	res.Scan = scan

	queueRes, err := s.queue.ProcessEmailQueue(ctx, s.Config().EmailQueue.BatchSize)
	if err != nil {
		s.recordError(err)
		return res, err
	}
	res.Queue = queueRes

	s.mu.Lock()
	s.scansRun++
	s.queueRuns++
	now := s.now()
	s.lastTickAt = &now
	s.mu.Unlock()
	return res, nil
}

// Config returns the current configuration.
func (s *Scheduler) Config() domain.SchedulerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Status returns a read-only snapshot. It never blocks on a running scan.
func (s *Scheduler) Status() domain.SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := domain.SchedulerStatus{
		Running:       s.running,
		Config:        s.config,
		LastTickAt:    s.lastTickAt,
		LastError:     s.lastError,
		LastErrorAt:   s.lastErrorAt,
		ScansRun:      s.scansRun,
		DigestsRun:    s.digestsRun,
		QueueRunsDone: s.queueRuns,
	}
	if s.running {
		now := s.now()
		if next := nextScanTime(s.config.ScadenzeNotifications, now); !next.IsZero() {
			st.NextScanAt = &next
		}
		if next := nextDigestTime(s.config.WeeklyDigest, now); !next.IsZero() {
			st.NextDigestAt = &next
		}
	}
	return st
}

// ---------------------------------------------------------------------------
// Loops
// ---------------------------------------------------------------------------

// scanLoop fires the deadline scan on the configured interval, optionally
// gated to configured times of day. The ticker rearms only after the tick's
// work completes, so a slow scan never stacks concurrent ticks.
func (s *Scheduler) scanLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.scanInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanTickIfDue()
			ticker.Reset(s.scanInterval())
		}
	}
}

// digestLoop checks every minute whether the digest's configured day/time
// has arrived. The per-week alert record makes extra invocations harmless.
func (s *Scheduler) digestLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.digestTickIfDue()
		}
	}
}

// queueLoop drains the email queue on its own cadence, independent of the
// scan.
func (s *Scheduler) queueLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.queueInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.queueTickIfDue()
			ticker.Reset(s.queueInterval())
		}
	}
}

// Per-tick gates. Each reads the live config so that an UpdateConfig, flag
// flips included, applies at the next tick without restarting the loops.

func (s *Scheduler) scanTickIfDue() {
	cfg := s.Config().ScadenzeNotifications
	if cfg.Enabled && s.shouldScanNow(cfg) {
		s.runScanTick()
	}
}

func (s *Scheduler) digestTickIfDue() {
	cfg := s.Config().WeeklyDigest
	if cfg.Enabled && s.shouldDigestNow(cfg) {
		s.runDigestTick()
	}
}

func (s *Scheduler) queueTickIfDue() {
	cfg := s.Config().EmailQueue
	if cfg.Enabled {
		s.runQueueTick(cfg.BatchSize)
	}
}

// runScanTick executes one automatic scan. Errors are caught and recorded as
// lastError; the timer keeps running across
// ticks.
func (s *Scheduler) runScanTick() {
	if !s.scanMu.TryLock() {
		logger.Warn("scan tick skipped, previous scan still running")
		return
	}
	defer s.scanMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	if s.locks != nil {
		lock := s.locks("notifications:scan", tickTimeout)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			s.recordError(err)
			return
		}
		if !acquired {
			logger.Debug("scan tick skipped, another process holds the lock")
			return
		}
		defer lock.Release(ctx)
	}

	if _, err := s.scanner.ProcessScadenzeNotifications(ctx); err != nil {
		s.recordError(err)
		return
	}

	s.mu.Lock()
	s.scansRun++
	now := s.now()
	s.lastTickAt = &now
	s.mu.Unlock()
}

func (s *Scheduler) runDigestTick() {
	if !s.scanMu.TryLock() {
		logger.Warn("digest tick skipped, scan in flight")
		return
	}
	defer s.scanMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	if s.locks != nil {
		lock := s.locks("notifications:digest", tickTimeout)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			s.recordError(err)
			return
		}
		if !acquired {
			return
		}
		defer lock.Release(ctx)
	}

	if _, err := s.scanner.SendWeeklyDigests(ctx); err != nil {
		s.recordError(err)
		return
	}

	s.mu.Lock()
	s.digestsRun++
	now := s.now()
	s.lastTickAt = &now
	s.mu.Unlock()
}

func (s *Scheduler) runQueueTick(batchSize int) {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	if _, err := s.queue.ProcessEmailQueue(ctx, batchSize); err != nil {
		s.recordError(err)
		return
	}

	s.mu.Lock()
	s.queueRuns++
	now := s.now()
	s.lastTickAt = &now
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Scheduler) scanInterval() time.Duration {
	return time.Duration(s.Config().ScadenzeNotifications.IntervalMinutes) * time.Minute
}

func (s *Scheduler) queueInterval() time.Duration {
	return time.Duration(s.Config().EmailQueue.IntervalMinutes) * time.Minute
}

// shouldScanNow gates a scan tick to the configured times of day, within a
// two-minute tolerance. An empty times list means every tick scans.
func (s *Scheduler) shouldScanNow(cfg domain.ScanConfig) bool {
	if len(cfg.Times) == 0 {
		return true
	}
	now := s.now()
	for _, t := range cfg.Times {
		if withinTolerance(now, t, scanTimeTolerance) {
			return true
		}
	}
	return false
}

func (s *Scheduler) shouldDigestNow(cfg domain.DigestConfig) bool {
	now := s.now()
	if int(now.Weekday()) != cfg.DayOfWeek {
		return false
	}
	target := cfg.Time
	if target == "" {
		target = "08:00"
	}
	return withinTolerance(now, target, digestTimeTolerance)
}

func withinTolerance(now time.Time, clock string, tol time.Duration) bool {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return false
	}
	target := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	diff := now.Sub(target)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tol
}

// nextScanTime computes the next configured scan boundary after now.
func nextScanTime(cfg domain.ScanConfig, now time.Time) time.Time {
	if !cfg.Enabled {
		return time.Time{}
	}
	if len(cfg.Times) == 0 {
		return now.Add(time.Duration(cfg.IntervalMinutes) * time.Minute)
	}

	var best time.Time
	for _, clock := range cfg.Times {
		t, err := time.Parse("15:04", clock)
		if err != nil {
			continue
		}
		candidate := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		if best.IsZero() || candidate.Before(best) {
			best = candidate
		}
	}
	return best
}

// nextDigestTime computes the next weekly digest boundary after now.
func nextDigestTime(cfg domain.DigestConfig, now time.Time) time.Time {
	if !cfg.Enabled {
		return time.Time{}
	}
	clock := cfg.Time
	if clock == "" {
		clock = "08:00"
	}
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}
	}

	daysAhead := (cfg.DayOfWeek - int(now.Weekday()) + 7) % 7
	candidate := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location()).
		AddDate(0, 0, daysAhead)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}

func (s *Scheduler) recordError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	now := s.now()
	s.lastErrorAt = &now
	s.mu.Unlock()
	logger.Error("scheduler tick failed", "error", err.Error())
}

func (s *Scheduler) persistConfig(cfg domain.SchedulerConfig) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveSchedulerConfig(ctx, cfg); err != nil {
		logger.Warn("failed to persist scheduler config", "error", err.Error())
	}
}
