// Package realtime fans conversation events out to live viewers.
//
// Delivery is best effort: a viewer whose buffer is full misses the event and
// is expected to catch up by polling the events endpoint.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-relay/internal/model"
	"github.com/capitalize-ai/support-relay/pkg/logger"
	"github.com/capitalize-ai/support-relay/pkg/metrics"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 64

// ErrNoConversation is returned when an event has no conversation id.
var ErrNoConversation = errors.New("conversation id is required")

// Publisher broadcasts an event to the viewers of a conversation.
type Publisher interface {
	Publish(ctx context.Context, conversationID string, ev model.Event) error
}

// Subscription is one viewer's event queue.
type Subscription struct {
	ID             string
	ConversationID string

	ch   chan model.Event
	hub  *Hub
	once sync.Once
}

// Events returns the channel events arrive on. It is closed by Close.
func (s *Subscription) Events() <-chan model.Event { return s.ch }

// Close detaches the subscription from its hub.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub keeps the local subscribers of every conversation.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription
	buffer int
	origin string
	logger *logger.Logger
	now    func() time.Time
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, log *logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Hub{
		subs:   make(map[string]map[string]*Subscription),
		buffer: buffer,
		origin: uuid.NewString(),
		logger: log.Named("realtime"),
		now:    time.Now,
	}
}

// Origin identifies this process in events it publishes.
func (h *Hub) Origin() string { return h.origin }

// Subscribe registers a viewer for conversationID.
func (h *Hub) Subscribe(conversationID string) *Subscription {
	sub := &Subscription{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		ch:             make(chan model.Event, h.buffer),
		hub:            h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[conversationID] == nil {
		h.subs[conversationID] = make(map[string]*Subscription)
	}
	h.subs[conversationID][sub.ID] = sub
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.ConversationID]
	if _, ok := set[sub.ID]; !ok {
		return
	}
	delete(set, sub.ID)
	if len(set) == 0 {
		delete(h.subs, sub.ConversationID)
	}
	close(sub.ch)
}

// Stamp fills the conversation id, time and origin of ev.
func (h *Hub) Stamp(conversationID string, ev model.Event) model.Event {
	ev.ConversationID = conversationID
	if ev.At.IsZero() {
		ev.At = h.now().UTC()
	}
	if ev.Origin == "" {
		ev.Origin = h.origin
	}
	return ev
}

// Publish stamps ev and delivers it to local subscribers. It never blocks.
func (h *Hub) Publish(ctx context.Context, conversationID string, ev model.Event) error {
	if conversationID == "" {
		return ErrNoConversation
	}
	h.Deliver(h.Stamp(conversationID, ev))
	return nil
}

// Deliver hands ev to the local subscribers of its conversation without
// stamping it. A full subscriber buffer drops the event.
func (h *Hub) Deliver(ev model.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs[ev.ConversationID] {
		select {
		case sub.ch <- ev:
			metrics.FanoutDelivered.Inc()
		default:
			metrics.FanoutDropped.Inc()
			h.logger.Debug("subscriber buffer full, event dropped",
				zap.String("conversation_id", ev.ConversationID),
				zap.String("subscription_id", sub.ID),
				zap.String("type", string(ev.Type)),
			)
		}
	}
}

// Subscribers returns the number of local viewers of conversationID.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}
