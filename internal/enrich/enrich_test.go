package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-relay/internal/llm"
	"github.com/capitalize-ai/support-relay/internal/model"
	"github.com/capitalize-ai/support-relay/internal/storage"
)

type fakeLLM struct {
	mu       sync.Mutex
	content  string
	err      error
	requests []*llm.CompletionRequest
}

func (f *fakeLLM) Complete(_ context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.content}, nil
}

func (f *fakeLLM) Name() string { return "fake" }

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(_ context.Context, conversationID string, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ConversationID = conversationID
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.EventType
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type blockingSuggester struct{ release chan struct{} }

func (b blockingSuggester) Suggest(ctx context.Context, _ []model.NormalizedMessage) ([]string, error) {
	<-b.release
	return nil, nil
}

func contactMessage(conv, id, text string) model.NormalizedMessage {
	return model.NormalizedMessage{
		ID:             id,
		ConversationID: conv,
		Direction:      model.DirectionInbound,
		Sender:         model.SenderContact,
		Category:       model.CategoryChat,
		Text:           text,
		CreatedAt:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestHTTPCRMSendMessage(t *testing.T) {
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/conversations/messages", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messageId":"crm-1","conversationId":"c1"}`))
	}))
	defer srv.Close()

	crm := NewHTTPCRM(srv.URL+"/", "secret")
	sent, err := crm.SendMessage(context.Background(), "c1", "Thanks for waiting")
	require.NoError(t, err)
	assert.Equal(t, "crm-1", sent.MessageID)
	assert.Equal(t, "c1", sent.ConversationID)
	assert.Equal(t, sendMessageRequest{Type: "Live_Chat", ConversationID: "c1", Message: "Thanks for waiting"}, got)
}

func TestHTTPCRMErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPCRM(srv.URL, "").SendMessage(context.Background(), "c1", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	_, err = NewHTTPCRM("", "").SendMessage(context.Background(), "c1", "hi")
	assert.ErrorIs(t, err, ErrCRMNotConfigured)
}

func TestParseSuggestions(t *testing.T) {
	got := parseSuggestions("1. Hello there!\n\n- \"Can I help?\"\n* Sure thing\n• One more")
	assert.Equal(t, []string{"Hello there!", "Can I help?", "Sure thing"}, got)
	assert.Empty(t, parseSuggestions("  \n"))
}

func TestLLMTranslator(t *testing.T) {
	client := &fakeLLM{content: "  Hola  "}
	out, err := NewLLMTranslator(client, "").Translate(context.Background(), "Hello", "Spanish")
	require.NoError(t, err)
	assert.Equal(t, "Hola", out)
	require.Len(t, client.requests, 1)
	assert.Contains(t, client.requests[0].System, "Spanish")

	_, err = NewLLMTranslator(&fakeLLM{content: " "}, "").Translate(context.Background(), "Hello", "Spanish")
	assert.Error(t, err)
}

func TestLLMSuggesterSkipsInfoMessages(t *testing.T) {
	client := &fakeLLM{content: "Hi!"}
	info := contactMessage("c1", "m0", "Chat started")
	info.Category = model.CategoryInfo
	history := []model.NormalizedMessage{info, contactMessage("c1", "m1", "Where is my order?")}

	out, err := NewLLMSuggester(client, "").Suggest(context.Background(), history)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi!"}, out)
	assert.Equal(t, "contact: Where is my order?\n", client.requests[0].Messages[0].Content)

	out, err = NewLLMSuggester(client, "").Suggest(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestWorkerStoresAndPublishes(t *testing.T) {
	ctx := context.Background()
	engine := storage.NewEngine(nil, nil)
	msg := contactMessage("c1", "m1", "Hello")
	_, err := engine.Write(ctx, msg)
	require.NoError(t, err)

	pub := &recorder{}
	client := &fakeLLM{content: "Reply A\nReply B"}
	w := NewWorker(NewLLMTranslator(&fakeLLM{content: "Hallo"}, ""), NewLLMSuggester(client, ""), engine, pub,
		WorkerConfig{Workers: 2, Timeout: time.Second, TargetLang: "German"}, nil)

	require.True(t, w.Enqueue(msg, "trace-1"))
	w.Wait()

	assert.Equal(t, []model.EventType{model.EventTypeTranslation, model.EventTypeSuggestions}, pub.types())
	assert.Equal(t, "Hallo", pub.events[0].Translation.Text)
	assert.Equal(t, "m1", pub.events[0].Translation.MessageID)
	assert.Equal(t, "trace-1", pub.events[1].TraceID)

	conv, err := engine.Conversation(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Reply A", "Reply B"}, conv.Suggestions)
}

func TestWorkerSkipsIneligibleMessages(t *testing.T) {
	engine := storage.NewEngine(nil, nil)
	w := NewWorker(nil, NewLLMSuggester(&fakeLLM{}, ""), engine, nil, WorkerConfig{Workers: 1}, nil)

	agent := contactMessage("c1", "m1", "Hi")
	agent.Sender = model.SenderHumanAgent
	assert.False(t, w.Enqueue(agent, ""))
	assert.False(t, w.Enqueue(contactMessage("c1", "m2", ""), ""))

	disabled := NewWorker(nil, NewLLMSuggester(&fakeLLM{}, ""), engine, nil, WorkerConfig{}, nil)
	assert.False(t, disabled.Enabled())
	assert.False(t, disabled.Enqueue(contactMessage("c1", "m3", "Hi"), ""))
}

func TestWorkerSkipsWhenPoolFull(t *testing.T) {
	engine := storage.NewEngine(nil, nil)
	release := make(chan struct{})
	w := NewWorker(nil, blockingSuggester{release: release}, engine, nil, WorkerConfig{Workers: 1, Timeout: time.Second}, nil)

	require.True(t, w.Enqueue(contactMessage("c1", "m1", "one"), ""))
	assert.False(t, w.Enqueue(contactMessage("c1", "m2", "two"), ""))

	close(release)
	w.Wait()
	assert.True(t, w.Enqueue(contactMessage("c1", "m3", "three"), ""))
	w.Wait()
}

func TestWorkerFailureDoesNotPublish(t *testing.T) {
	engine := storage.NewEngine(nil, nil)
	pub := &recorder{}
	w := NewWorker(nil, NewLLMSuggester(&fakeLLM{err: errors.New("rate limited")}, ""), engine, pub, WorkerConfig{Workers: 1}, nil)

	msg := contactMessage("c1", "m1", "Hello")
	_, err := engine.Write(context.Background(), msg)
	require.NoError(t, err)

	require.True(t, w.Enqueue(msg, ""))
	w.Wait()
	assert.Empty(t, pub.types())
}
