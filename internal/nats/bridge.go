package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-relay/internal/model"
	"github.com/capitalize-ai/support-relay/pkg/logger"
)

// SubjectPrefix is prepended to the conversation id of every event subject.
const SubjectPrefix = "relay.events."

// Conn is the subset of *nats.Conn the bridge uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// LocalHub is the in-process fan-out the bridge feeds.
type LocalHub interface {
	Origin() string
	Stamp(conversationID string, ev model.Event) model.Event
	Deliver(ev model.Event)
}

// Bridge publishes events locally and to NATS, and relays events published
// by other instances into the local hub.
type Bridge struct {
	conn   Conn
	hub    LocalHub
	sub    *nats.Subscription
	logger *logger.Logger
}

// NewBridge creates a bridge. Call Start to receive remote events.
func NewBridge(conn Conn, hub LocalHub, log *logger.Logger) *Bridge {
	if log == nil {
		log = logger.NewNop()
	}
	return &Bridge{conn: conn, hub: hub, logger: log.Named("nats_bridge")}
}

// Subject returns the subject for conversationID. Characters NATS reserves
// inside a token are replaced with underscores.
func Subject(conversationID string) string {
	return SubjectPrefix + strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n', '*', '>':
			return '_'
		}
		return r
	}, conversationID)
}

// Start subscribes to every conversation subject.
func (b *Bridge) Start() error {
	sub, err := b.conn.Subscribe(SubjectPrefix+">", b.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to relay events: %w", err)
	}
	b.sub = sub
	return nil
}

// Publish delivers ev to local viewers, then forwards it to NATS. A NATS
// failure is returned after local delivery already happened.
func (b *Bridge) Publish(ctx context.Context, conversationID string, ev model.Event) error {
	ev = b.hub.Stamp(conversationID, ev)
	b.hub.Deliver(ev)

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.conn.Publish(Subject(conversationID), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (b *Bridge) handle(msg *nats.Msg) {
	var ev model.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.logger.Warn("dropping malformed relay event", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	// Our own events were delivered locally before they were published.
	if ev.Origin == b.hub.Origin() {
		return
	}
	if ev.ConversationID == "" {
		ev.ConversationID = strings.TrimPrefix(msg.Subject, SubjectPrefix)
	}
	b.hub.Deliver(ev)
}

// Close stops receiving remote events.
func (b *Bridge) Close() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Unsubscribe()
}
