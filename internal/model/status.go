package model

import (
	"time"
)

// Status is the queue state of a conversation.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusAssigned Status = "assigned"
	StatusRejected Status = "rejected"
	StatusPassed   Status = "passed"
	StatusClosed   Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusAssigned, StatusRejected, StatusPassed, StatusClosed:
		return true
	}
	return false
}

// ConversationStatus is the queue row for one conversation.
type ConversationStatus struct {
	ConversationID  string     `json:"conversationId"`
	Status          Status     `json:"status"`
	AgentID         string     `json:"agentId,omitempty"`
	ClaimedAt       *time.Time `json:"claimedAt,omitempty"`
	RejectedAt      *time.Time `json:"rejectedAt,omitempty"`
	RejectedBy      string     `json:"rejectedBy,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
	PassedAt        *time.Time `json:"passedAt,omitempty"`
	PassedBy        string     `json:"passedBy,omitempty"`
	RestoredAt      *time.Time `json:"restoredAt,omitempty"`
	RestoredBy      string     `json:"restoredBy,omitempty"`
	ClosedAt        *time.Time `json:"closedAt,omitempty"`
	ClosedBy        string     `json:"closedBy,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// SetStatusRequest is the request body for POST /conversations/{id}/status.
type SetStatusRequest struct {
	Status  Status `json:"status"`
	ActorID string `json:"actorId"`
	AgentID string `json:"agentId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ListStatusesResponse is the response for GET /queue.
type ListStatusesResponse struct {
	Status        Status               `json:"status"`
	Conversations []ConversationStatus `json:"conversations"`
	Total         int                  `json:"total"`
}
