// Package enrich talks to the collaborators that add to a conversation
// without being required for ingestion: the CRM for outbound replies and
// LLMs for translations and reply suggestions.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrCRMNotConfigured is returned when no CRM endpoint is set.
var ErrCRMNotConfigured = errors.New("crm is not configured")

// SentMessage is the CRM's acknowledgement of an outbound message.
type SentMessage struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// CRM delivers agent replies to the contact.
type CRM interface {
	SendMessage(ctx context.Context, conversationID, text string) (*SentMessage, error)
}

// HTTPCRM is a CRM reached over its REST API.
type HTTPCRM struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPCRM creates a CRM client for baseURL.
func NewHTTPCRM(baseURL, apiKey string) *HTTPCRM {
	return &HTTPCRM{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type sendMessageRequest struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

// SendMessage posts text to the conversation as a live chat message.
func (c *HTTPCRM) SendMessage(ctx context.Context, conversationID, text string) (*SentMessage, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrCRMNotConfigured
	}

	body, err := json.Marshal(sendMessageRequest{
		Type:           "Live_Chat",
		ConversationID: conversationID,
		Message:        text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode crm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/conversations/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create crm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crm request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read crm response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("crm returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var sent SentMessage
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &sent); err != nil {
			return nil, fmt.Errorf("failed to decode crm response: %w", err)
		}
	}
	if sent.ConversationID == "" {
		sent.ConversationID = conversationID
	}
	return &sent, nil
}
