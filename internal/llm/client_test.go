package llm

import (
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	c, err := NewClient(ProviderOpenAI, "sk-test")
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Name())

	c, err = NewClient(ProviderAnthropic, "sk-ant-test")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", c.Name())

	_, err = NewClient(ProviderOpenAI, "")
	assert.Error(t, err)
	_, err = NewClient(ProviderAnthropic, "")
	assert.Error(t, err)
	_, err = NewClient(Provider("cohere"), "key")
	assert.Error(t, err)
}

func TestFoldSystem(t *testing.T) {
	req := &CompletionRequest{
		System: "Translate to es.",
		Messages: []ChatMessage{
			{Role: RoleAssistant, Content: "earlier"},
			{Role: RoleUser, Content: "hello"},
		},
	}
	out := foldSystem(req)
	require.Len(t, out, 2)
	assert.Equal(t, "earlier", out[0].Content)
	assert.Equal(t, "Translate to es.\n\nhello", out[1].Content)
	assert.Equal(t, "hello", req.Messages[1].Content)

	out = foldSystem(&CompletionRequest{System: "only system"})
	assert.Equal(t, []ChatMessage{{Role: RoleUser, Content: "only system"}}, out)

	out = foldSystem(&CompletionRequest{Messages: []ChatMessage{{Role: RoleUser, Content: "x"}}})
	assert.Equal(t, "x", out[0].Content)
}

func TestOpenAIMessagesPutsSystemFirst(t *testing.T) {
	msgs := openAIMessages(&CompletionRequest{
		System:   "be brief",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, "hi", msgs[1].Content)
}
