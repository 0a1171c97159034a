package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/evolvi/scadenze-notifier/internal/domain"
	"github.com/evolvi/scadenze-notifier/internal/mailer"
	"github.com/evolvi/scadenze-notifier/internal/notification"
	"github.com/evolvi/scadenze-notifier/internal/scheduler"
)

// =============================================================================
// TEST FAKES
// =============================================================================

type fakeNotifier struct {
	scans   int
	digests int
	alerts  []domain.Deadline
}

func (f *fakeNotifier) ProcessScadenzeNotifications(ctx context.Context) (notification.ScanResult, error) {
	f.scans++
	return notification.ScanResult{Scanned: 3, Alerted: 1, Skipped: 2}, nil
}

func (f *fakeNotifier) SendWeeklyDigests(ctx context.Context) (notification.DigestResult, error) {
	f.digests++
	return notification.DigestResult{Recipients: 2}, nil
}

func (f *fakeNotifier) CreateScadenzaAlert(ctx context.Context, d domain.Deadline, daysRemaining int) error {
	f.alerts = append(f.alerts, d)
	return nil
}

type fakeMailQueue struct {
	enqueued []domain.EmailQueueItem
	runs     int
}

func (f *fakeMailQueue) Enqueue(ctx context.Context, item *domain.EmailQueueItem) (bool, error) {
	item.ID = fmt.Sprintf("item-%d", len(f.enqueued)+1)
	f.enqueued = append(f.enqueued, *item)
	return true, nil
}

func (f *fakeMailQueue) ProcessEmailQueue(ctx context.Context, batchSize int) (mailer.ProcessResult, error) {
	f.runs++
	return mailer.ProcessResult{Claimed: 1, Sent: 1}, nil
}

func (f *fakeMailQueue) Stats(ctx context.Context) (domain.QueueStats, error) {
	return domain.QueueStats{Pending: 2, Sent: 10}, nil
}

func (f *fakeMailQueue) ListFailed(ctx context.Context, limit int) ([]domain.EmailQueueItem, error) {
	return []domain.EmailQueueItem{{ID: "dead-1", Status: domain.QueueFailed}}, nil
}

type fakeSettingsStore struct {
	saved      []domain.NotificationSettings
	recipients map[string]domain.AdditionalRecipient
}

func newFakeSettingsStore() *fakeSettingsStore {
	return &fakeSettingsStore{recipients: make(map[string]domain.AdditionalRecipient)}
}

func (f *fakeSettingsStore) GetNotificationSettings(ctx context.Context, email string) (domain.NotificationSettings, error) {
	return domain.DefaultNotificationSettings(email), nil
}

func (f *fakeSettingsStore) SaveNotificationSettings(ctx context.Context, s domain.NotificationSettings) error {
	f.saved = append(f.saved, s)
	return nil
}

func (f *fakeSettingsStore) ListAdditionalRecipients(ctx context.Context, activeOnly bool) ([]domain.AdditionalRecipient, error) {
	var out []domain.AdditionalRecipient
	for _, r := range f.recipients {
		if !activeOnly || r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSettingsStore) AddAdditionalRecipient(ctx context.Context, email string) (domain.AdditionalRecipient, error) {
	rec := domain.AdditionalRecipient{
		ID:        fmt.Sprintf("rec-%d", len(f.recipients)+1),
		Email:     email,
		Active:    true,
		CreatedAt: time.Now(),
	}
	f.recipients[rec.ID] = rec
	return rec, nil
}

func (f *fakeSettingsStore) SetAdditionalRecipientActive(ctx context.Context, id string, active bool) error {
	r := f.recipients[id]
	r.Active = active
	f.recipients[id] = r
	return nil
}

func (f *fakeSettingsStore) DeleteAdditionalRecipient(ctx context.Context, id string) error {
	delete(f.recipients, id)
	return nil
}

type schedulerScanner struct{ n *fakeNotifier }

func (s schedulerScanner) ProcessScadenzeNotifications(ctx context.Context) (notification.ScanResult, error) {
	return s.n.ProcessScadenzeNotifications(ctx)
}

func (s schedulerScanner) SendWeeklyDigests(ctx context.Context) (notification.DigestResult, error) {
	return s.n.SendWeeklyDigests(ctx)
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeNotifier, *fakeMailQueue, *fakeSettingsStore, *scheduler.Scheduler) {
	t.Helper()
	notifier := &fakeNotifier{}
	queue := &fakeMailQueue{}
	settings := newFakeSettingsStore()
	sched := scheduler.New(schedulerScanner{notifier}, queue, nil, nil)
	t.Cleanup(sched.Stop)

	h := NewHandlers(sched, notifier, queue, settings)
	srv := httptest.NewServer(SetupRoutes(h))
	t.Cleanup(srv.Close)
	return srv, notifier, queue, settings, sched
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// =============================================================================
// PROCESS ENDPOINT TESTS
// =============================================================================

func TestHandleProcess_Scadenze(t *testing.T) {
	srv, notifier, _, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/notifications/process", map[string]string{"type": "scadenze"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if notifier.scans != 1 {
		t.Errorf("scans = %d, want 1", notifier.scans)
	}

	var body struct {
		Type   string                  `json:"type"`
		Result notification.ScanResult `json:"result"`
	}
	decode(t, resp, &body)
	if body.Result.Alerted != 1 {
		t.Errorf("result = %+v", body.Result)
	}
}

func TestHandleProcess_AllTypes(t *testing.T) {
	srv, notifier, queue, _, _ := newTestServer(t)

	for _, typ := range []string{"weekly_digest", "email_queue", "manual_check"} {
		resp := postJSON(t, srv.URL+"/api/notifications/process", map[string]string{"type": typ})
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", typ, resp.StatusCode)
		}
		resp.Body.Close()
	}
	if notifier.digests != 1 {
		t.Errorf("digests = %d, want 1", notifier.digests)
	}
	// email_queue trigger + manual check both drain.
	if queue.runs != 2 {
		t.Errorf("queue runs = %d, want 2", queue.runs)
	}
}

func TestHandleProcess_UnknownType(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/notifications/process", map[string]string{"type": "everything"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHandleProcess_GetWithQueryParam(t *testing.T) {
	srv, notifier, _, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/notifications/process?type=scadenze")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if notifier.scans != 1 {
		t.Errorf("scans = %d, want 1", notifier.scans)
	}
}

// =============================================================================
// SCHEDULER ENDPOINT TESTS
// =============================================================================

func TestHandleSchedulerAction_StartStop(t *testing.T) {
	srv, _, _, _, sched := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/notifications/scheduler", map[string]interface{}{"action": "start"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
	if !sched.Status().Running {
		t.Error("scheduler not running after start action")
	}

	resp = postJSON(t, srv.URL+"/api/notifications/scheduler", map[string]interface{}{"action": "stop"})
	resp.Body.Close()
	if sched.Status().Running {
		t.Error("scheduler still running after stop action")
	}
}

func TestHandleSchedulerAction_InvalidConfig(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)

	cfg := domain.DefaultSchedulerConfig()
	cfg.EmailQueue.BatchSize = -1
	resp := postJSON(t, srv.URL+"/api/notifications/scheduler",
		map[string]interface{}{"action": "start", "config": cfg})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHandleSchedulerAction_UpdateConfigRequiresConfig(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/notifications/scheduler",
		map[string]interface{}{"action": "update_config"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHandleSchedulerStatus(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/notifications/scheduler")
	if err != nil {
		t.Fatal(err)
	}
	var status domain.SchedulerStatus
	decode(t, resp, &status)
	if status.Running {
		t.Error("fresh scheduler should report stopped")
	}
	if status.Config.EmailQueue.BatchSize != 10 {
		t.Errorf("default config not reported: %+v", status.Config)
	}
}

// =============================================================================
// QUEUE ENDPOINT TESTS
// =============================================================================

func TestHandleQueueStats(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/notifications/queue")
	if err != nil {
		t.Fatal(err)
	}
	var stats domain.QueueStats
	decode(t, resp, &stats)
	if stats.Pending != 2 || stats.Sent != 10 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHandleQueueFailed(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/notifications/queue/failed")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Items []domain.EmailQueueItem `json:"items"`
		Total int                     `json:"total"`
	}
	decode(t, resp, &body)
	if body.Total != 1 || body.Items[0].ID != "dead-1" {
		t.Errorf("body = %+v", body)
	}
}

// =============================================================================
// RECIPIENTS AND SETTINGS TESTS
// =============================================================================

func TestRecipientLifecycle(t *testing.T) {
	srv, _, _, settings, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/notifications/additional-recipients", map[string]string{"email": "direzione@studio.it"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d, want 201", resp.StatusCode)
	}
	var rec domain.AdditionalRecipient
	decode(t, resp, &rec)
	if rec.ID == "" || !rec.Active {
		t.Fatalf("recipient = %+v", rec)
	}

	req, _ := http.NewRequest(http.MethodPut,
		srv.URL+"/api/notifications/additional-recipients/"+rec.ID,
		bytes.NewReader([]byte(`{"active":false}`)))
	putResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	putResp.Body.Close()
	if settings.recipients[rec.ID].Active {
		t.Error("recipient still active after toggle")
	}

	del, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/notifications/additional-recipients/"+rec.ID, nil)
	delResp, err := http.DefaultClient.Do(del)
	if err != nil {
		t.Fatal(err)
	}
	delResp.Body.Close()
	if _, ok := settings.recipients[rec.ID]; ok {
		t.Error("recipient not deleted")
	}
}

func TestAddRecipient_RejectsInvalidEmail(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/notifications/additional-recipients", map[string]string{"email": "not-an-address"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSaveSettings(t *testing.T) {
	srv, _, _, settings, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/notifications/settings",
		bytes.NewReader([]byte(`{"user_email":"mario@studio.it","email_enabled":true,"scadenze_3_giorni":false}`)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(settings.saved) != 1 || settings.saved[0].AlertThreeDay {
		t.Errorf("saved = %+v", settings.saved)
	}
}

func TestSaveSettings_RequiresEmail(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/notifications/settings",
		bytes.NewReader([]byte(`{"email_enabled":true}`)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// =============================================================================
// TEST EMAIL AND HEALTH
// =============================================================================

func TestHandleTestEmail(t *testing.T) {
	srv, notifier, _, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/notifications/test-email", map[string]string{"user_email": "mario@studio.it"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	resp.Body.Close()

	if len(notifier.alerts) != 1 {
		t.Fatalf("created %d alerts, want 1", len(notifier.alerts))
	}
	d := notifier.alerts[0]
	if d.ResponsibleEmail != "mario@studio.it" || d.Title != "Test Notifica Email" {
		t.Errorf("deadline = %+v", d)
	}
	if d.DaysRemaining(time.Now()) != 1 {
		t.Errorf("test deadline should be due tomorrow, got %d days", d.DaysRemaining(time.Now()))
	}
}

func TestHandleTestEmail_RejectsBadRecipient(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/notifications/test-email", map[string]string{"user_email": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHealthCheck(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]string
	decode(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("health = %v", body)
	}
}
