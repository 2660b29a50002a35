package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger reports backend connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	store   Pinger
	version string
	timeout time.Duration
	now     func() time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(store Pinger, version string, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{store: store, version: version, timeout: timeout, now: time.Now}
}

// Health returns the health status of the bot and its store.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := map[string]interface{}{
		"status":    "healthy",
		"version":   h.version,
		"timestamp": h.now().Unix(),
	}
	statusCode := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
