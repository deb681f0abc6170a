// Package service provides business logic for the support relay.
package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-relay/internal/model"
	"github.com/capitalize-ai/support-relay/internal/queue"
	"github.com/capitalize-ai/support-relay/internal/realtime"
	"github.com/capitalize-ai/support-relay/pkg/logger"
)

// ConversationStore reads conversation aggregates and replaces suggestions.
type ConversationStore interface {
	ListConversations(ctx context.Context) ([]model.ConversationSummary, error)
	Conversation(ctx context.Context, conversationID string, limit int) (*model.Conversation, error)
	SetSuggestions(ctx context.Context, conversationID string, suggestions []string) (string, error)
}

// ConversationService handles conversation and queue operations.
type ConversationService struct {
	store     ConversationStore
	queue     *queue.Store
	publisher realtime.Publisher
	logger    *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(store ConversationStore, q *queue.Store, publisher realtime.Publisher, log *logger.Logger) *ConversationService {
	if log == nil {
		log = logger.NewNop()
	}
	return &ConversationService{
		store:     store,
		queue:     q,
		publisher: publisher,
		logger:    log.Named("conversations"),
	}
}

// List returns a summary of every known conversation.
func (s *ConversationService) List(ctx context.Context) (*model.ListConversationsResponse, error) {
	convs, err := s.store.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return &model.ListConversationsResponse{
		Conversations: convs,
		Total:         len(convs),
	}, nil
}

// Get retrieves a conversation with up to limit of its latest messages.
func (s *ConversationService) Get(ctx context.Context, conversationID string, limit int) (*model.Conversation, error) {
	conv, err := s.store.Conversation(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// UpdateSuggestions replaces the suggestions of a conversation.
func (s *ConversationService) UpdateSuggestions(ctx context.Context, conversationID string, suggestions []string) ([]string, error) {
	clean := make([]string, 0, len(suggestions))
	for _, sug := range suggestions {
		if sug = strings.TrimSpace(sug); sug != "" {
			clean = append(clean, sug)
		}
	}
	if _, err := s.store.SetSuggestions(context.WithoutCancel(ctx), conversationID, clean); err != nil {
		return nil, fmt.Errorf("failed to update suggestions: %w", err)
	}
	s.publish(ctx, conversationID, model.Event{Type: model.EventTypeSuggestions, Suggestions: clean})
	return clean, nil
}

// GetStatus returns the queue row of a conversation.
func (s *ConversationService) GetStatus(ctx context.Context, conversationID string) (*model.ConversationStatus, error) {
	return s.queue.GetStatus(ctx, conversationID)
}

// SetStatus applies a queue transition and broadcasts the new row.
func (s *ConversationService) SetStatus(ctx context.Context, conversationID string, req *model.SetStatusRequest) (*model.ConversationStatus, error) {
	st, err := s.queue.SetStatus(context.WithoutCancel(ctx), conversationID, req.Status, queue.Transition{
		ActorID: req.ActorID,
		AgentID: req.AgentID,
		Reason:  req.Reason,
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, conversationID, model.Event{Type: model.EventTypeStatus, Status: st})
	return st, nil
}

// Queue lists the conversations currently in status.
func (s *ConversationService) Queue(ctx context.Context, status model.Status) (*model.ListStatusesResponse, error) {
	rows, err := s.queue.ListByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	return &model.ListStatusesResponse{
		Status:        status,
		Conversations: rows,
		Total:         len(rows),
	}, nil
}

func (s *ConversationService) publish(ctx context.Context, conversationID string, ev model.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), conversationID, ev); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("conversation_id", conversationID),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
	}
}
