// Package handlers implements the HTTP endpoints of the reminder services.
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
	"github.com/drfirst/go-medremind/internal/infrastructure/postgres"
)

// SubscriptionStore is the server-side push subscription registry
type SubscriptionStore interface {
	Upsert(ctx context.Context, sub reminder.PushSubscription) (postgres.UpsertResult, error)
	Delete(ctx context.Context, userID, endpoint string) (bool, error)
	ListByUser(ctx context.Context, userID string) ([]reminder.PushSubscription, error)
}

// SubscriptionRequest is the body of subscribe and unsubscribe calls
type SubscriptionRequest struct {
	Subscription reminder.PushSubscription `json:"subscription"`
}

// SubscriptionHandler serves /push. Both writes are idempotent so clients
// can retry them freely.
type SubscriptionHandler struct {
	store  SubscriptionStore
	logger *zap.Logger
}

func NewSubscriptionHandler(store SubscriptionStore, logger *zap.Logger) *SubscriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionHandler{store: store, logger: logger}
}

// Routes returns the routes mounted under /push
func (h *SubscriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/subscribe", h.Subscribe)
	r.Post("/unsubscribe", h.Unsubscribe)
	r.Get("/subscriptions", h.List)
	return r
}

// Subscribe handles POST /push/subscribe
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.decode(w, r)
	if !ok {
		return
	}
	if err := sub.Validate(); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.store.Upsert(r.Context(), sub)
	if err != nil {
		h.logger.Error("failed to store subscription",
			zap.String("user_id", sub.UserID),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		jsonError(w, "failed to store subscription", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if result == postgres.UpsertCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{
		"endpoint": sub.Endpoint,
		"result":   result,
	})
}

// Unsubscribe handles POST /push/unsubscribe. An unknown endpoint is not an
// error.
func (h *SubscriptionHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.decode(w, r)
	if !ok {
		return
	}
	if sub.Endpoint == "" {
		jsonError(w, "subscription endpoint required", http.StatusBadRequest)
		return
	}

	removed, err := h.store.Delete(r.Context(), sub.UserID, sub.Endpoint)
	if err != nil {
		h.logger.Error("failed to remove subscription",
			zap.String("user_id", sub.UserID),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		jsonError(w, "failed to remove subscription", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"endpoint": sub.Endpoint,
		"removed":  removed,
	})
}

// List handles GET /push/subscriptions
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ListByUser(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		jsonError(w, "failed to list subscriptions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

// decode reads the request body and binds the subscription to the
// authenticated user. A body naming another user is forbidden.
func (h *SubscriptionHandler) decode(w http.ResponseWriter, r *http.Request) (reminder.PushSubscription, bool) {
	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return reminder.PushSubscription{}, false
	}

	userID := middleware.GetUserID(r.Context())
	sub := req.Subscription
	if sub.UserID != "" && sub.UserID != userID {
		jsonError(w, "subscription belongs to another user", http.StatusForbidden)
		return reminder.PushSubscription{}, false
	}
	sub.UserID = userID
	return sub, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

func isValidation(err error) bool {
	return errors.Is(err, reminder.ErrValidationFailure)
}
