// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/support-relay/internal/middleware"
	"github.com/capitalize-ai/support-relay/internal/model"
	"github.com/capitalize-ai/support-relay/internal/service"
	"github.com/capitalize-ai/support-relay/pkg/logger"
)

// ConversationHandler handles conversation and queue endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	limits  Limits
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, limits Limits, log *logger.Logger) *ConversationHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &ConversationHandler{
		service: svc,
		limits:  limits,
		logger:  log,
	}
}

func conversationParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// List handles GET /conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationParam(w, r)
	if !ok {
		return
	}
	limit, err := middleware.ParseLimit(r.URL.Query().Get("limit"), h.limits.Default, h.limits.Max)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.service.Get(r.Context(), id, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// UpdateSuggestions handles PUT /conversations/{id}/suggestions
func (h *ConversationHandler) UpdateSuggestions(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationParam(w, r)
	if !ok {
		return
	}

	var req model.UpdateSuggestionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	suggestions, err := h.service.UpdateSuggestions(r.Context(), id, req.Suggestions)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.UpdateSuggestionsRequest{Suggestions: suggestions})
}

// GetStatus handles GET /conversations/{id}/status
func (h *ConversationHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationParam(w, r)
	if !ok {
		return
	}
	st, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SetStatus handles POST /conversations/{id}/status
func (h *ConversationHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationParam(w, r)
	if !ok {
		return
	}

	var req model.SetStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	st, err := h.service.SetStatus(r.Context(), id, &req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Queue handles GET /queue?status=waiting
func (h *ConversationHandler) Queue(w http.ResponseWriter, r *http.Request) {
	status := model.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = model.StatusWaiting
	}
	resp, err := h.service.Queue(r.Context(), status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
