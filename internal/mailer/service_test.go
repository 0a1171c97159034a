package mailer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/evolvi/scadenze-notifier/internal/domain"
)

// =============================================================================
// TEST FAKES
// =============================================================================

// fakeStore is an in-memory QueueStore reproducing the claim semantics of
// the Postgres implementation, including the attempt increment at claim
// time.
type fakeStore struct {
	mu    sync.Mutex
	items map[string]*domain.EmailQueueItem
	order []string
	keys  map[string]bool
	seq   int

	claimErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		items: make(map[string]*domain.EmailQueueItem),
		keys:  make(map[string]bool),
	}
}

func (f *fakeStore) Insert(ctx context.Context, item *domain.EmailQueueItem) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.DedupKey != "" && f.keys[item.DedupKey] {
		return false, nil
	}
	f.seq++
	if item.ID == "" {
		item.ID = fmt.Sprintf("item-%d", f.seq)
	}
	if item.ScheduledFor.IsZero() {
		item.ScheduledFor = time.Now()
	}
	item.Status = domain.QueuePending
	cp := *item
	f.items[item.ID] = &cp
	f.order = append(f.order, item.ID)
	if item.DedupKey != "" {
		f.keys[item.DedupKey] = true
	}
	return true, nil
}

func (f *fakeStore) ClaimBatch(ctx context.Context, limit int) ([]domain.EmailQueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	now := time.Now()
	var claimed []domain.EmailQueueItem
	for _, id := range f.order {
		if len(claimed) >= limit {
			break
		}
		it := f.items[id]
		if it.Status != domain.QueuePending {
			continue
		}
		if it.NextRetryAt != nil && it.NextRetryAt.After(now) {
			continue
		}
		it.Status = domain.QueueSending
		it.Attempts++
		claimed = append(claimed, *it)
	}
	return claimed, nil
}

func (f *fakeStore) MarkSent(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[id].Status = domain.QueueSent
	return nil
}

func (f *fakeStore) Release(ctx context.Context, id, errMsg string, nextRetryAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it := f.items[id]
	it.Status = domain.QueuePending
	it.LastError = errMsg
	it.NextRetryAt = &nextRetryAt
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it := f.items[id]
	it.Status = domain.QueueFailed
	it.LastError = errMsg
	it.NextRetryAt = nil
	return nil
}

func (f *fakeStore) RecoverStuck(ctx context.Context, staleAge time.Duration, maxAttempts int) (int64, error) {
	return 0, nil
}

func (f *fakeStore) Stats(ctx context.Context) (domain.QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s domain.QueueStats
	for _, it := range f.items {
		switch it.Status {
		case domain.QueuePending:
			s.Pending++
		case domain.QueueSending:
			s.Sending++
		case domain.QueueSent:
			s.Sent++
		case domain.QueueFailed:
			s.Failed++
		}
	}
	return s, nil
}

func (f *fakeStore) ListFailed(ctx context.Context, limit int) ([]domain.EmailQueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.EmailQueueItem
	for _, id := range f.order {
		if f.items[id].Status == domain.QueueFailed {
			out = append(out, *f.items[id])
		}
	}
	return out, nil
}

func (f *fakeStore) drainRetryDelays(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		it.NextRetryAt = nil
	}
}

func (f *fakeStore) item(t *testing.T, id string) domain.EmailQueueItem {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		t.Fatalf("item %s not in store", id)
	}
	return *it
}

// fakeTransport fails the first failures sends, then succeeds.
type fakeTransport struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *fakeTransport) Send(ctx context.Context, to, subject, htmlBody string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return fmt.Errorf("smtp 421 service unavailable")
	}
	return nil
}

// =============================================================================
// RETRY POLICY TESTS
// =============================================================================

func TestNextDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BackoffBase: time.Minute, BackoffCap: time.Hour}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Minute}, // floor
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{10, time.Hour}, // capped
	}
	for _, tt := range tests {
		if got := p.NextDelay(tt.attempts); got != tt.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestNextDelay_CapBindsTightly(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BackoffBase: time.Minute, BackoffCap: 3 * time.Minute}
	if got := p.NextDelay(2); got != 2*time.Minute {
		t.Errorf("NextDelay(2) = %v, want 2m", got)
	}
	if got := p.NextDelay(3); got != 3*time.Minute {
		t.Errorf("NextDelay(3) = %v, want cap 3m", got)
	}
}

// =============================================================================
// QUEUE PROCESSING TESTS
// =============================================================================

func enqueueOne(t *testing.T, svc *Service, dedupKey string) string {
	t.Helper()
	item := &domain.EmailQueueItem{
		DedupKey:    dedupKey,
		To:          "mario@studio.it",
		Subject:     "Scadenza in arrivo",
		HTMLContent: "<p>test</p>",
		Type:        domain.NotifyScadenzaAlert,
	}
	inserted, err := svc.Enqueue(context.Background(), item)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !inserted {
		t.Fatal("enqueue reported duplicate for a fresh item")
	}
	return item.ID
}

func TestProcessEmailQueue_SendsPending(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &fakeTransport{}, DefaultRetryPolicy())
	id := enqueueOne(t, svc, "k1")

	res, err := svc.ProcessEmailQueue(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Claimed != 1 || res.Sent != 1 {
		t.Errorf("result = %+v, want 1 claimed 1 sent", res)
	}
	got := store.item(t, id)
	if got.Status != domain.QueueSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}

func TestProcessEmailQueue_EmptyQueueNoOp(t *testing.T) {
	svc := NewService(newFakeStore(), &fakeTransport{}, DefaultRetryPolicy())
	res, err := svc.ProcessEmailQueue(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Claimed != 0 {
		t.Errorf("claimed %d from empty queue", res.Claimed)
	}
}

func TestProcessEmailQueue_TransientFailureSchedulesRetry(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{failures: 1}
	svc := NewService(store, transport, DefaultRetryPolicy())
	id := enqueueOne(t, svc, "k1")

	before := time.Now()
	res, err := svc.ProcessEmailQueue(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Retried != 1 || res.Sent != 0 {
		t.Fatalf("result = %+v, want 1 retried", res)
	}

	got := store.item(t, id)
	if got.Status != domain.QueuePending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.LastError == "" {
		t.Error("last error not recorded")
	}
	if got.NextRetryAt == nil {
		t.Fatal("retry time not set")
	}
	// First attempt failed, so the delay is the backoff base.
	wantAt := before.Add(DefaultRetryPolicy().BackoffBase)
	if got.NextRetryAt.Before(wantAt.Add(-time.Second)) || got.NextRetryAt.After(wantAt.Add(5*time.Second)) {
		t.Errorf("retry at %v, want ~%v", got.NextRetryAt, wantAt)
	}

	// Not eligible again until the backoff elapses.
	res, _ = svc.ProcessEmailQueue(context.Background(), 10)
	if res.Claimed != 0 {
		t.Errorf("claimed %d during backoff window, want 0", res.Claimed)
	}
}

func TestProcessEmailQueue_SucceedsOnFinalAttempt(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{failures: 4}
	svc := NewService(store, transport, RetryPolicy{MaxAttempts: 5, BackoffBase: time.Minute, BackoffCap: time.Hour})
	id := enqueueOne(t, svc, "k1")

	for i := 0; i < 5; i++ {
		store.drainRetryDelays(t)
		if _, err := svc.ProcessEmailQueue(context.Background(), 10); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}

	got := store.item(t, id)
	if got.Status != domain.QueueSent {
		t.Fatalf("status = %s, want sent after success on final attempt", got.Status)
	}
	if got.Attempts != 5 {
		t.Errorf("attempts = %d, want 5", got.Attempts)
	}
}

func TestProcessEmailQueue_ExhaustionIsTerminal(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{failures: 100}
	svc := NewService(store, transport, RetryPolicy{MaxAttempts: 5, BackoffBase: time.Minute, BackoffCap: time.Hour})
	id := enqueueOne(t, svc, "k1")

	for i := 0; i < 8; i++ {
		store.drainRetryDelays(t)
		if _, err := svc.ProcessEmailQueue(context.Background(), 10); err != nil {
			t.Fatal(err)
		}
	}

	got := store.item(t, id)
	if got.Status != domain.QueueFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Attempts != 5 {
		t.Errorf("attempts = %d, want exactly the cap 5", got.Attempts)
	}

	failed, _ := svc.ListFailed(context.Background(), 10)
	if len(failed) != 1 {
		t.Errorf("ListFailed returned %d items, want 1", len(failed))
	}
}

func TestProcessEmailQueue_PerItemFailuresIsolated(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{failures: 1} // only the first send fails
	svc := NewService(store, transport, DefaultRetryPolicy())
	enqueueOne(t, svc, "k1")
	enqueueOne(t, svc, "k2")

	res, err := svc.ProcessEmailQueue(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Claimed != 2 || res.Sent != 1 || res.Retried != 1 {
		t.Errorf("result = %+v, want 2 claimed, 1 sent, 1 retried", res)
	}
}

func TestProcessEmailQueue_ClaimErrorSurfaces(t *testing.T) {
	store := newFakeStore()
	store.claimErr = fmt.Errorf("connection refused")
	svc := NewService(store, &fakeTransport{}, DefaultRetryPolicy())

	if _, err := svc.ProcessEmailQueue(context.Background(), 10); err == nil {
		t.Error("claim failure should abort the pass with an error")
	}
}

// =============================================================================
// ENQUEUE TESTS
// =============================================================================

func TestEnqueue_DedupKeyCollapsesDuplicates(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &fakeTransport{}, DefaultRetryPolicy())

	mk := func() *domain.EmailQueueItem {
		return &domain.EmailQueueItem{
			DedupKey:    "d1|1-day|mario@studio.it",
			To:          "mario@studio.it",
			Subject:     "x",
			HTMLContent: "x",
			Type:        domain.NotifyScadenzaAlert,
		}
	}

	if ok, _ := svc.Enqueue(context.Background(), mk()); !ok {
		t.Fatal("first enqueue rejected")
	}
	if ok, _ := svc.Enqueue(context.Background(), mk()); ok {
		t.Error("second enqueue with same dedup key should be a no-op")
	}

	stats, _ := svc.Stats(context.Background())
	if stats.Pending != 1 {
		t.Errorf("pending = %d, want 1", stats.Pending)
	}
}

func TestEnqueue_EmptyKeysNeverCollide(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &fakeTransport{}, DefaultRetryPolicy())

	for i := 0; i < 3; i++ {
		item := &domain.EmailQueueItem{
			To:          "test@studio.it",
			Subject:     "Email di test",
			HTMLContent: "x",
			Type:        domain.NotifyTestEmail,
		}
		if ok, err := svc.Enqueue(context.Background(), item); err != nil || !ok {
			t.Fatalf("enqueue %d: ok=%v err=%v", i, ok, err)
		}
	}
	stats, _ := svc.Stats(context.Background())
	if stats.Pending != 3 {
		t.Errorf("pending = %d, want 3", stats.Pending)
	}
}

func TestEnqueue_RejectsEmptyRecipient(t *testing.T) {
	svc := NewService(newFakeStore(), &fakeTransport{}, DefaultRetryPolicy())
	_, err := svc.Enqueue(context.Background(), &domain.EmailQueueItem{Subject: "x"})
	if err == nil {
		t.Error("empty recipient should be rejected")
	}
}

func TestEnqueue_DefaultsPriority(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &fakeTransport{}, DefaultRetryPolicy())
	item := &domain.EmailQueueItem{To: "a@b.it", Subject: "x", HTMLContent: "x"}
	if _, err := svc.Enqueue(context.Background(), item); err != nil {
		t.Fatal(err)
	}
	if item.Priority != domain.PriorityMedia {
		t.Errorf("priority = %s, want media default", item.Priority)
	}
}
