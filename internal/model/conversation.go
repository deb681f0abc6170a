// Package model defines data structures for the support relay.
package model

import (
	"time"
)

// Conversation is the aggregate of every message sharing a resolved identity.
type Conversation struct {
	ID          string              `json:"id"`
	Messages    []NormalizedMessage `json:"messages"`
	Suggestions []string            `json:"suggestions"`
	UpdatedAt   time.Time           `json:"updatedAt"`
	Status      *ConversationStatus `json:"status,omitempty"`
}

// ConversationSummary is a conversation without its messages.
type ConversationSummary struct {
	ID           string    `json:"id"`
	MessageCount int       `json:"messageCount"`
	Suggestions  []string  `json:"suggestions"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
}

// UpdateSuggestionsRequest replaces a conversation's suggestions.
type UpdateSuggestionsRequest struct {
	Suggestions []string `json:"suggestions"`
}
