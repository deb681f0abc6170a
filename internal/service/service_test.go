package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-relay/internal/enrich"
	"github.com/capitalize-ai/support-relay/internal/identity"
	"github.com/capitalize-ai/support-relay/internal/model"
	"github.com/capitalize-ai/support-relay/internal/queue"
	"github.com/capitalize-ai/support-relay/internal/realtime"
	"github.com/capitalize-ai/support-relay/internal/storage"
	"github.com/capitalize-ai/support-relay/internal/trace"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeCRM struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeCRM) SendMessage(_ context.Context, conversationID, text string) (*enrich.SentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, conversationID+":"+text)
	return &enrich.SentMessage{MessageID: "crm-1", ConversationID: conversationID}, nil
}

type countingEnricher struct {
	mu  sync.Mutex
	ids []string
}

func (c *countingEnricher) Enqueue(msg model.NormalizedMessage, _ string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, msg.ID)
	return true
}

type downStore struct{}

func (downStore) Write(context.Context, model.NormalizedMessage) (string, error) {
	return "", storage.ErrStorageUnavailable
}

func (downStore) Read(context.Context, string, int) ([]model.NormalizedMessage, error) {
	return nil, storage.ErrStorageUnavailable
}

type fixture struct {
	engine   *storage.Engine
	queue    *queue.Store
	hub      *realtime.Hub
	ring     *trace.Ring
	crm      *fakeCRM
	enricher *countingEnricher
	messages *MessageService
	convs    *ConversationService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		engine:   storage.NewEngine(nil, nil),
		hub:      realtime.NewHub(16, nil),
		ring:     trace.NewRing(50),
		crm:      &fakeCRM{},
		enricher: &countingEnricher{},
	}
	f.queue = queue.NewStore(f.engine, nil)
	f.messages = NewMessageService(MessageServiceConfig{
		Store:     f.engine,
		Queue:     f.queue,
		Publisher: f.hub,
		Enricher:  f.enricher,
		CRM:       f.crm,
		Ring:      f.ring,
	})
	f.messages.now = func() time.Time { return fixedNow }
	f.convs = NewConversationService(f.engine, f.queue, f.hub, nil)
	return f
}

func payload(t *testing.T, body string) model.RawEvent {
	t.Helper()
	var ev model.RawEvent
	require.NoError(t, json.Unmarshal([]byte(body), &ev))
	return ev
}

func routes(ring *trace.Ring) []string {
	var out []string
	for _, e := range ring.Snapshot() {
		out = append(out, e.Route)
	}
	return out
}

func TestIngestLiveChatBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.hub.Subscribe("c1")
	defer sub.Close()

	ack, err := f.messages.Ingest(ctx, payload(t, `{"conversationId":"c1","messages":[{"id":"m1","type":29,"direction":"inbound","body":"hi"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "c1", ack.ConversationID)
	assert.Equal(t, 1, ack.Accepted)
	assert.NotEmpty(t, ack.TraceID)

	list, err := f.messages.List(ctx, "c1", 0)
	require.NoError(t, err)
	require.Equal(t, 1, list.Count)
	msg := list.Messages[0]
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, model.SenderContact, msg.Sender)
	assert.Equal(t, model.CategoryChat, msg.Category)
	assert.Equal(t, "hi", msg.Text)

	st, err := f.queue.GetStatus(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaiting, st.Status)
	assert.False(t, st.UpdatedAt.IsZero(), "waiting row should be persisted")

	assert.Equal(t, []string{"m1"}, f.enricher.ids)
	assert.Len(t, sub.Events(), 2)

	assert.Equal(t, []string{RoutePublished, RouteStored, RouteNormalized, RouteResolved, RouteReceived}, routes(f.ring))
}

func TestIngestResolvesFromMessageID(t *testing.T) {
	f := newFixture(t)
	ack, err := f.messages.Ingest(context.Background(), payload(t, `{"messageId":"msg_4821","type":"inbound","body":"where is my order"}`))
	require.NoError(t, err)
	assert.Equal(t, "conv_4821", ack.ConversationID)

	list, err := f.messages.List(context.Background(), "conv_4821", 0)
	require.NoError(t, err)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, "where is my order", list.Messages[0].Text)
}

func TestIngestTwiceStoresOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	body := `{"conversationId":"c1","messages":[{"id":"m1","body":"hi"},{"id":"m2","body":"there"}]}`

	for i := 0; i < 2; i++ {
		ack, err := f.messages.Ingest(ctx, payload(t, body))
		require.NoError(t, err)
		assert.Equal(t, 2, ack.Accepted)
	}

	list, err := f.messages.List(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, list.Count)
}

func TestIngestMissingIdentifierWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.messages.Ingest(ctx, payload(t, `{"conversationId":"unknown","body":"hi"}`))
	assert.ErrorIs(t, err, identity.ErrMissingIdentifier)

	convs, err := f.engine.ListConversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)
	assert.Equal(t, []string{RouteRejected, RouteReceived}, routes(f.ring))
}

func TestIngestStorageUnavailable(t *testing.T) {
	f := newFixture(t)
	svc := NewMessageService(MessageServiceConfig{Store: downStore{}, Queue: f.queue, Ring: f.ring})

	_, err := svc.Ingest(context.Background(), payload(t, `{"conversationId":"c1","body":"hi"}`))
	assert.ErrorIs(t, err, storage.ErrStorageUnavailable)
	assert.Equal(t, RouteRejected, f.ring.Snapshot()[0].Route)
}

func TestIngestSurvivesCancelledRequest(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.messages.Ingest(ctx, payload(t, `{"conversationId":"c1","body":"hi"}`))
	require.NoError(t, err)

	list, err := f.messages.List(context.Background(), "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, list.Count)
}

func TestReply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	msg, err := f.messages.Reply(ctx, "c1", &model.ReplyRequest{AgentID: "a1", Text: " On it "})
	require.NoError(t, err)
	assert.Equal(t, "crm-1", msg.ID)
	assert.Equal(t, model.DirectionOutbound, msg.Direction)
	assert.Equal(t, model.SenderHumanAgent, msg.Sender)
	assert.Equal(t, []string{"c1:On it"}, f.crm.sent)

	list, err := f.messages.List(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, list.Count)

	_, err = f.messages.Reply(ctx, "c1", &model.ReplyRequest{AgentID: "a1"})
	assert.ErrorIs(t, err, ErrInvalidReply)

	f.crm.err = errors.New("crm down")
	_, err = f.messages.Reply(ctx, "c1", &model.ReplyRequest{AgentID: "a1", Text: "again"})
	assert.ErrorIs(t, err, ErrReplyNotDelivered)

	noCRM := NewMessageService(MessageServiceConfig{Store: f.engine, Queue: f.queue})
	_, err = noCRM.Reply(ctx, "c1", &model.ReplyRequest{AgentID: "a1", Text: "hi"})
	assert.ErrorIs(t, err, enrich.ErrCRMNotConfigured)
}

func TestConversationServiceFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.convs.Get(ctx, "c1", 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.messages.Ingest(ctx, payload(t, `{"conversationId":"c1","body":"hi"}`))
	require.NoError(t, err)

	got, err := f.convs.UpdateSuggestions(ctx, "c1", []string{" Hello! ", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello!"}, got)

	conv, err := f.convs.Get(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello!"}, conv.Suggestions)
	assert.Len(t, conv.Messages, 1)

	list, err := f.convs.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)

	st, err := f.convs.SetStatus(ctx, "c1", &model.SetStatusRequest{Status: model.StatusAssigned, ActorID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "a1", st.AgentID)

	waiting, err := f.convs.Queue(ctx, model.StatusWaiting)
	require.NoError(t, err)
	assert.Equal(t, 0, waiting.Total)

	assigned, err := f.convs.Queue(ctx, model.StatusAssigned)
	require.NoError(t, err)
	assert.Equal(t, 1, assigned.Total)

	_, err = f.convs.SetStatus(ctx, "c1", &model.SetStatusRequest{Status: model.StatusAssigned, ActorID: "a2"})
	assert.ErrorIs(t, err, queue.ErrInvalidTransition)
}
