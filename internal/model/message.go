package model

import (
	"time"
)

// Direction is the flow of a message relative to the contact.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderContact    Sender = "contact"
	SenderHumanAgent Sender = "human_agent"
	SenderAIAgent    Sender = "ai_agent"
	SenderSystem     Sender = "system"
)

// Category is the coarse message kind inferred from provider type data.
type Category string

const (
	CategoryChat  Category = "chat"
	CategoryInfo  Category = "info"
	CategoryOther Category = "other"
)

// RawEvent is an inbound payload exactly as decoded from JSON.
type RawEvent map[string]any

// NormalizedMessage is the canonical stored message.
type NormalizedMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Direction      Direction `json:"direction"`
	Sender         Sender    `json:"sender"`
	Category       Category  `json:"category"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`

	// Revision orders writes of the same id. A tier ignores a write whose
	// revision is lower than the one it holds.
	Revision int64 `json:"-"`
}

// TimestampLayout is the fixed-width UTC layout used when timestamps are
// persisted as text. Lexicographic order of formatted values equals time order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// Timestamps persist at microsecond precision.
const TimestampPrecision = time.Microsecond

var (
	minTimestamp = time.Date(0, time.January, 1, 0, 0, 0, 0, time.UTC)
	maxTimestamp = time.Date(10000, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// TimestampInRange reports whether t fits TimestampLayout, i.e. falls in
// years 0000 through 9999.
func TimestampInRange(t time.Time) bool {
	return !t.Before(minTimestamp) && t.Before(maxTimestamp)
}

// FormatTimestamp renders t with TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a value produced by FormatTimestamp. RFC3339 values
// are accepted as well.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// EventsAck is the response body for an accepted POST /events.
type EventsAck struct {
	ConversationID string `json:"conversationId"`
	Accepted       int    `json:"accepted"`
	TraceID        string `json:"traceId"`
}

// ListEventsResponse is the response for GET /events.
type ListEventsResponse struct {
	ConversationID string              `json:"conversationId"`
	Messages       []NormalizedMessage `json:"messages"`
	Count          int                 `json:"count"`
}

// ReplyRequest is the request to send an agent reply through the CRM.
type ReplyRequest struct {
	AgentID string `json:"agentId"`
	Text    string `json:"text"`
}
