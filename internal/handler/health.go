package handler

import (
	"context"
	"net/http"
)

// StoragePinger reports the health of each storage tier.
type StoragePinger interface {
	Ping(ctx context.Context) (map[string]string, error)
}

// ConnectionChecker reports whether an optional dependency is connected.
type ConnectionChecker interface {
	IsConnected() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	storage StoragePinger
	nats    ConnectionChecker
}

// NewHealthHandler creates a new health handler. nats may be nil when the
// bridge is disabled.
func NewHealthHandler(storage StoragePinger, nats ConnectionChecker) *HealthHandler {
	return &HealthHandler{
		storage: storage,
		nats:    nats,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready. The relay is ready while some durable tier, or
// memory alone when none is configured, can serve.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	tiers, err := h.storage.Ping(r.Context())
	body := map[string]any{"tiers": tiers}

	if h.nats != nil {
		state := "connected"
		if !h.nats.IsConnected() {
			state = "disconnected"
		}
		body["nats"] = state
	}

	if err != nil {
		body["status"] = "not ready"
		body["reason"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ready"
	writeJSON(w, http.StatusOK, body)
}
