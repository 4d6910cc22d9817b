package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/api/middleware"
	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/internal/preferences"
	"github.com/drfirst/go-medremind/internal/session"
)

// LiveSessions looks up the running session of a patient
type LiveSessions interface {
	Get(patientID string) (*session.Session, bool)
}

// PreferenceHandler serves /api/v1/preferences and /api/v1/reminders for the
// authenticated patient
type PreferenceHandler struct {
	store    preferences.Store
	sessions LiveSessions
	logger   *zap.Logger
}

// NewPreferenceHandler creates a handler. sessions may be nil when the
// process runs no sessions.
func NewPreferenceHandler(store preferences.Store, sessions LiveSessions, logger *zap.Logger) *PreferenceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PreferenceHandler{store: store, sessions: sessions, logger: logger}
}

// Routes returns the routes mounted under /api/v1
func (h *PreferenceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/preferences", h.Get)
	r.Put("/preferences", h.Put)
	r.Get("/reminders", h.Upcoming)
	return r
}

// Get handles GET /api/v1/preferences
func (h *PreferenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.store.Get(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		jsonError(w, "failed to load preferences", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// Put handles PUT /api/v1/preferences. A live session stores the change and
// re-resolves its schedule in one step.
func (h *PreferenceHandler) Put(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID := middleware.GetUserID(ctx)

	var prefs reminder.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	stored, err := h.update(ctx, patientID, prefs)
	if err != nil {
		if isValidation(err) {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("failed to update preferences",
			zap.String("user_id", patientID),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		jsonError(w, "failed to update preferences", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// Upcoming handles GET /api/v1/reminders. It lists the tracked occurrences of
// the live session, or an empty list when no tab is connected.
func (h *PreferenceHandler) Upcoming(w http.ResponseWriter, r *http.Request) {
	occs := []reminder.Occurrence{}
	if sess, ok := h.live(middleware.GetUserID(r.Context())); ok {
		occs = append(occs, sess.Store().Snapshot()...)
	}
	writeJSON(w, http.StatusOK, occs)
}

func (h *PreferenceHandler) update(ctx context.Context, patientID string, prefs reminder.Preferences) (reminder.Preferences, error) {
	if sess, ok := h.live(patientID); ok {
		stored, err := sess.UpdatePreferences(ctx, prefs)
		if !errors.Is(err, session.ErrStopped) {
			return stored, err
		}
	}
	if err := preferences.Validate(prefs); err != nil {
		return reminder.Preferences{}, err
	}
	return h.store.Set(ctx, patientID, prefs)
}

func (h *PreferenceHandler) live(patientID string) (*session.Session, bool) {
	if h.sessions == nil {
		return nil, false
	}
	return h.sessions.Get(patientID)
}
