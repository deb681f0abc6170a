package enrich

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/capitalize-ai/support-relay/internal/llm"
	"github.com/capitalize-ai/support-relay/internal/model"
)

const maxSuggestions = 3

// Translator renders text in another language.
type Translator interface {
	Translate(ctx context.Context, text, targetLang string) (string, error)
}

// Suggester proposes replies an agent could send next.
type Suggester interface {
	Suggest(ctx context.Context, history []model.NormalizedMessage) ([]string, error)
}

// LLMTranslator translates with an LLM.
type LLMTranslator struct {
	client llm.Client
	model  string
}

// NewLLMTranslator creates a translator over client. An empty model uses the
// provider default.
func NewLLMTranslator(client llm.Client, modelName string) *LLMTranslator {
	return &LLMTranslator{client: client, model: modelName}
}

// Translate implements Translator.
func (t *LLMTranslator) Translate(ctx context.Context, text, targetLang string) (string, error) {
	resp, err := t.client.Complete(ctx, &llm.CompletionRequest{
		Model:       t.model,
		System:      fmt.Sprintf("Translate the user's message to %s. Reply with the translation only.", targetLang),
		Messages:    []llm.ChatMessage{{Role: llm.RoleUser, Content: text}},
		MaxTokens:   512,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", fmt.Errorf("empty translation from %s", t.client.Name())
	}
	return out, nil
}

// LLMSuggester generates reply suggestions with an LLM.
type LLMSuggester struct {
	client llm.Client
	model  string
}

// NewLLMSuggester creates a suggester over client.
func NewLLMSuggester(client llm.Client, modelName string) *LLMSuggester {
	return &LLMSuggester{client: client, model: modelName}
}

const suggestPrompt = "You assist a customer support agent. Given the chat transcript, " +
	"propose up to three short replies the agent could send next, one per line, without numbering."

// Suggest implements Suggester.
func (s *LLMSuggester) Suggest(ctx context.Context, history []model.NormalizedMessage) ([]string, error) {
	if len(history) == 0 {
		return nil, nil
	}
	resp, err := s.client.Complete(ctx, &llm.CompletionRequest{
		Model:       s.model,
		System:      suggestPrompt,
		Messages:    []llm.ChatMessage{{Role: llm.RoleUser, Content: transcript(history)}},
		MaxTokens:   300,
		Temperature: 0.4,
	})
	if err != nil {
		return nil, err
	}
	return parseSuggestions(resp.Content), nil
}

func transcript(history []model.NormalizedMessage) string {
	var b strings.Builder
	for _, m := range history {
		if m.Text == "" || m.Category == model.CategoryInfo {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Sender, m.Text)
	}
	return b.String()
}

// parseSuggestions splits an LLM reply into at most maxSuggestions lines,
// dropping list markers and blanks.
func parseSuggestions(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeftFunc(line, func(r rune) bool {
			return unicode.IsDigit(r) || r == '-' || r == '*' || r == '.' || r == ')' || r == '•'
		})
		line = strings.Trim(strings.TrimSpace(line), `"`)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}
