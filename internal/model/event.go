package model

import (
	"time"
)

// EventType represents the type of realtime event.
type EventType string

const (
	EventTypeMessage     EventType = "message"
	EventTypeStatus      EventType = "status"
	EventTypeSuggestions EventType = "suggestions"
	EventTypeTranslation EventType = "translation"
)

// Translation is a translated rendering of a stored message. It is never
// persisted.
type Translation struct {
	MessageID string `json:"messageId"`
	Language  string `json:"language"`
	Text      string `json:"text"`
}

// Event is broadcast to viewers of a conversation.
type Event struct {
	Type           EventType           `json:"type"`
	ConversationID string              `json:"conversationId"`
	Message        *NormalizedMessage  `json:"message,omitempty"`
	Status         *ConversationStatus `json:"status,omitempty"`
	Suggestions    []string            `json:"suggestions,omitempty"`
	Translation    *Translation        `json:"translation,omitempty"`
	TraceID        string              `json:"traceId,omitempty"`
	Origin         string              `json:"origin,omitempty"`
	At             time.Time           `json:"at"`
}

// TraceEntry is one pipeline checkpoint kept in the diagnostics ring.
type TraceEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Route     string    `json:"route"`
	TraceID   string    `json:"traceId"`
	Note      string    `json:"note"`
	Data      any       `json:"data,omitempty"`
}

// HeartbeatEvent keeps idle streams alive.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent represents an error sent over a stream.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
