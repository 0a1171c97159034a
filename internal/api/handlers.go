package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/evolvi/scadenze-notifier/internal/domain"
	"github.com/evolvi/scadenze-notifier/internal/mailer"
	"github.com/evolvi/scadenze-notifier/internal/notification"
	"github.com/evolvi/scadenze-notifier/internal/scheduler"
)

// Notifier runs the notification decision engine on demand.
type Notifier interface {
	ProcessScadenzeNotifications(ctx context.Context) (notification.ScanResult, error)
	SendWeeklyDigests(ctx context.Context) (notification.DigestResult, error)
	CreateScadenzaAlert(ctx context.Context, d domain.Deadline, daysRemaining int) error
}

// MailQueue exposes the queue operations the API needs.
type MailQueue interface {
	Enqueue(ctx context.Context, item *domain.EmailQueueItem) (bool, error)
	ProcessEmailQueue(ctx context.Context, batchSize int) (mailer.ProcessResult, error)
	Stats(ctx context.Context) (domain.QueueStats, error)
	ListFailed(ctx context.Context, limit int) ([]domain.EmailQueueItem, error)
}

// SettingsStore persists per-user preferences and additional recipients.
type SettingsStore interface {
	GetNotificationSettings(ctx context.Context, email string) (domain.NotificationSettings, error)
	SaveNotificationSettings(ctx context.Context, s domain.NotificationSettings) error
	ListAdditionalRecipients(ctx context.Context, activeOnly bool) ([]domain.AdditionalRecipient, error)
	AddAdditionalRecipient(ctx context.Context, email string) (domain.AdditionalRecipient, error)
	SetAdditionalRecipientActive(ctx context.Context, id string, active bool) error
	DeleteAdditionalRecipient(ctx context.Context, id string) error
}

// Handlers contains all HTTP handlers.
type Handlers struct {
	scheduler *scheduler.Scheduler
	notifier  Notifier
	queue     MailQueue
	settings  SettingsStore
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(sched *scheduler.Scheduler, notifier Notifier, queue MailQueue, settings SettingsStore) *Handlers {
	return &Handlers{
		scheduler: sched,
		notifier:  notifier,
		queue:     queue,
		settings:  settings,
	}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// processRequest selects which pipeline a manual trigger runs.
type processRequest struct {
	Type string `json:"type"`
}

// HandleProcess triggers one of the notification pipelines synchronously:
// scadenze, weekly_digest, email_queue, or manual_check.
func (h *Handlers) HandleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		req.Type = r.URL.Query().Get("type")
	}

	switch req.Type {
	case "scadenze":
		res, err := h.notifier.ProcessScadenzeNotifications(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"type": req.Type, "result": res})

	case "weekly_digest":
		res, err := h.notifier.SendWeeklyDigests(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"type": req.Type, "result": res})

	case "email_queue":
		res, err := h.queue.ProcessEmailQueue(r.Context(), h.scheduler.Config().EmailQueue.BatchSize)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"type": req.Type, "result": res})

	case "manual_check":
		res, err := h.scheduler.RunManualCheck(r.Context())
		if err != nil {
			if errors.Is(err, scheduler.ErrScanAlreadyRunning) {
				respondError(w, http.StatusConflict, err.Error())
				return
			}
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"type": req.Type, "result": res})

	default:
		respondError(w, http.StatusBadRequest, "unknown process type: "+req.Type)
	}
}

type schedulerRequest struct {
	Action string                  `json:"action"`
	Config *domain.SchedulerConfig `json:"config,omitempty"`
}

// HandleSchedulerAction controls the scheduler lifecycle: start, stop,
// restart, update_config. Start and restart fall back to the active config
// when the request carries none.
func (h *Handlers) HandleSchedulerAction(w http.ResponseWriter, r *http.Request) {
	var req schedulerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg := h.scheduler.Config()
	if req.Config != nil {
		cfg = *req.Config
	}

	var err error
	switch req.Action {
	case "start":
		err = h.scheduler.Start(cfg)
	case "stop":
		h.scheduler.Stop()
	case "restart":
		err = h.scheduler.Restart(cfg)
	case "update_config":
		if req.Config == nil {
			respondError(w, http.StatusBadRequest, "update_config requires a config")
			return
		}
		err = h.scheduler.UpdateConfig(*req.Config)
	default:
		respondError(w, http.StatusBadRequest, "unknown scheduler action: "+req.Action)
		return
	}

	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidConfig) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"action": req.Action,
		"status": h.scheduler.Status(),
	})
}

// HandleSchedulerStatus returns the scheduler status snapshot.
func (h *Handlers) HandleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.scheduler.Status())
}

// HandleQueueStats returns queue depth by state.
func (h *Handlers) HandleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// HandleQueueFailed lists terminally failed queue items for inspection.
func (h *Handlers) HandleQueueFailed(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	items, err := h.queue.ListFailed(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

// HandleGetSettings returns the notification preferences for one user.
func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		respondError(w, http.StatusBadRequest, "email query parameter is required")
		return
	}
	settings, err := h.settings.GetNotificationSettings(r.Context(), email)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

// HandleSaveSettings upserts the notification preferences for one user.
func (h *Handlers) HandleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var settings domain.NotificationSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if settings.UserEmail == "" {
		respondError(w, http.StatusBadRequest, "user_email is required")
		return
	}
	if err := h.settings.SaveNotificationSettings(r.Context(), settings); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

// HandleListRecipients lists additional notification recipients.
func (h *Handlers) HandleListRecipients(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	recipients, err := h.settings.ListAdditionalRecipients(r.Context(), activeOnly)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"recipients": recipients,
		"total":      len(recipients),
	})
}

type addRecipientRequest struct {
	Email string `json:"email"`
}

// HandleAddRecipient registers a new additional recipient.
func (h *Handlers) HandleAddRecipient(w http.ResponseWriter, r *http.Request) {
	var req addRecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		respondError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	recipient, err := h.settings.AddAdditionalRecipient(r.Context(), req.Email)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, recipient)
}

type updateRecipientRequest struct {
	Active bool `json:"active"`
}

// HandleUpdateRecipient toggles a recipient on or off.
func (h *Handlers) HandleUpdateRecipient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateRecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.settings.SetAdditionalRecipientActive(r.Context(), id, req.Active); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "active": req.Active})
}

// HandleDeleteRecipient removes a recipient.
func (h *Handlers) HandleDeleteRecipient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.settings.DeleteAdditionalRecipient(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "deleted": true})
}

type testEmailRequest struct {
	UserEmail string `json:"user_email"`
}

// HandleTestEmail sends a fictitious deadline alert through the full
// pipeline: template rendering, the queue, retry tracking. What lands in the
// inbox is exactly what a real alert looks like.
func (h *Handlers) HandleTestEmail(w http.ResponseWriter, r *http.Request) {
	var req testEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.UserEmail = strings.TrimSpace(req.UserEmail)
	if req.UserEmail == "" || !strings.Contains(req.UserEmail, "@") {
		respondError(w, http.StatusBadRequest, "a valid user_email is required")
		return
	}

	test := domain.Deadline{
		ID:               "test-" + strconv.FormatInt(time.Now().UnixMilli(), 10),
		Title:            "Test Notifica Email",
		DueDate:          time.Now().Add(24 * time.Hour),
		Status:           domain.DeadlineNotStarted,
		Priority:         domain.PriorityAlta,
		ClientName:       "Cliente di Test",
		ProjectTitle:     "Progetto di Test",
		ResponsibleEmail: req.UserEmail,
	}
	if err := h.notifier.CreateScadenzaAlert(r.Context(), test, 1); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"queued": true,
		"id":     test.ID,
	})
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
