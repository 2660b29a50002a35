package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/tgrelay/internal/bot"
	"github.com/ashureev/tgrelay/internal/telegram"
	"github.com/go-chi/chi/v5"
)

// Dispatcher processes one authenticated webhook delivery.
type Dispatcher interface {
	Authenticate(token string) bool
	Dispatch(ctx context.Context, token string, u *telegram.Update) (bot.Result, error)
}

// WebhookHandler receives Telegram updates.
type WebhookHandler struct {
	d      Dispatcher
	logger *slog.Logger
}

// NewWebhookHandler creates a webhook handler backed by d.
func NewWebhookHandler(d Dispatcher, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{d: d, logger: logger}
}

type webhookResponse struct {
	OK    bool   `json:"ok"`
	Info  string `json:"info,omitempty"`
	Error string `json:"error,omitempty"`
}

// Webhook handles POST /webhook/{secret}.
//
// Handler failures are answered with 200 and "ok": false. Telegram retries
// any other status, and a failed update has already been finalized and
// answered, so a retry would only be acknowledged as a duplicate.
func (h *WebhookHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "secret")
	if !h.d.Authenticate(token) {
		Error(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	var u telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		h.logger.Warn("Rejecting malformed update", "error", err)
		JSON(w, http.StatusBadRequest, webhookResponse{Error: "invalid update payload"})
		return
	}

	res, err := h.d.Dispatch(r.Context(), token, &u)
	switch {
	case errors.Is(err, bot.ErrInvalidToken):
		Error(w, http.StatusUnauthorized, "Invalid token")
	case err != nil:
		h.logger.Error("Failed to process update", "update_id", u.ID(), "error", err)
		JSON(w, http.StatusInternalServerError, webhookResponse{Error: "failed to process update"})
	case res.Duplicate():
		JSON(w, http.StatusOK, webhookResponse{OK: true, Info: "Update already processed"})
	case res.Err != nil:
		JSON(w, http.StatusOK, webhookResponse{Error: res.Err.Error()})
	default:
		JSON(w, http.StatusOK, webhookResponse{OK: true})
	}
}

// RegisterRoutes registers the webhook route. The middlewares wrap only it.
func (h *WebhookHandler) RegisterRoutes(r chi.Router, middlewares ...func(http.Handler) http.Handler) {
	r.With(middlewares...).Post("/webhook/{secret}", h.Webhook)
}
