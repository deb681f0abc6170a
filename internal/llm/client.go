// Package llm provides LLM client interfaces and implementations.
package llm

import (
	"context"
	"fmt"
)

// Roles used in ChatMessage.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
}

// foldSystem prepends the system prompt to the first user message for
// providers without a separate system slot in this client.
func foldSystem(req *CompletionRequest) []ChatMessage {
	out := make([]ChatMessage, len(req.Messages))
	copy(out, req.Messages)
	if req.System == "" {
		return out
	}
	for i, msg := range out {
		if msg.Role == RoleUser {
			out[i].Content = req.System + "\n\n" + msg.Content
			return out
		}
	}
	return append([]ChatMessage{{Role: RoleUser, Content: req.System}}, out...)
}
