package handler

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-relay/internal/trace"
	"github.com/capitalize-ai/support-relay/pkg/logger"
)

// Resetter clears every storage tier.
type Resetter interface {
	Reset(ctx context.Context) error
}

// AdminHandler serves diagnostics and administrative endpoints.
type AdminHandler struct {
	storage Resetter
	ring    *trace.Ring
	logger  *logger.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(storage Resetter, ring *trace.Ring, log *logger.Logger) *AdminHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &AdminHandler{storage: storage, ring: ring, logger: log}
}

// Trace handles GET /debug/trace
func (h *AdminHandler) Trace(w http.ResponseWriter, r *http.Request) {
	entries := h.ring.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":  entries,
		"count":    len(entries),
		"capacity": h.ring.Cap(),
	})
}

// Reset handles POST /admin/reset
func (h *AdminHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.storage.Reset(context.WithoutCancel(r.Context())); err != nil {
		h.logger.Error("reset incomplete", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.ring.Reset()
	h.logger.Warn("all storage tiers reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
