package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-relay/internal/middleware"
	"github.com/capitalize-ai/support-relay/internal/model"
	"github.com/capitalize-ai/support-relay/internal/service"
	"github.com/capitalize-ai/support-relay/pkg/logger"
)

// Limits bounds the limit query parameter.
type Limits struct {
	Default int
	Max     int
}

// MessageHandler handles event ingestion and message endpoints.
type MessageHandler struct {
	service *service.MessageService
	limits  Limits
	logger  *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(svc *service.MessageService, limits Limits, log *logger.Logger) *MessageHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &MessageHandler{
		service: svc,
		limits:  limits,
		logger:  log,
	}
}

// Ingest handles POST /events
func (h *MessageHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var event model.RawEvent
	if err := decodeJSON(w, r, &event); err != nil || event == nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}

	ack, err := h.service.Ingest(r.Context(), event)
	if err != nil {
		if statusFor(err) >= http.StatusInternalServerError {
			h.logger.Error("failed to ingest event",
				zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
				zap.Error(err),
			)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ack)
}

// List handles GET /events?conversationId=...&limit=N
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversationId")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, err := middleware.ParseLimit(r.URL.Query().Get("limit"), h.limits.Default, h.limits.Max)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.List(r.Context(), conversationID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Reply handles POST /conversations/{id}/reply
func (h *MessageHandler) Reply(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.ReplyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.service.Reply(r.Context(), conversationID, &req)
	if err != nil {
		h.logger.Warn("reply failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}
