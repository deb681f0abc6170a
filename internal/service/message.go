package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-relay/internal/classify"
	"github.com/capitalize-ai/support-relay/internal/enrich"
	"github.com/capitalize-ai/support-relay/internal/identity"
	"github.com/capitalize-ai/support-relay/internal/model"
	"github.com/capitalize-ai/support-relay/internal/realtime"
	"github.com/capitalize-ai/support-relay/internal/trace"
	"github.com/capitalize-ai/support-relay/pkg/logger"
	"github.com/capitalize-ai/support-relay/pkg/metrics"
)

// Trace routes tapped by the ingestion pipeline.
const (
	RouteReceived   = "ingest.received"
	RouteResolved   = "ingest.resolved"
	RouteNormalized = "ingest.normalized"
	RouteStored     = "ingest.stored"
	RoutePublished  = "ingest.published"
	RouteRejected   = "ingest.rejected"
	RouteReply      = "reply.sent"
)

var (
	// ErrInvalidReply is returned for a reply without an agent or text.
	ErrInvalidReply = errors.New("agentId and text are required")

	// ErrReplyNotDelivered is returned when the CRM rejects a reply.
	ErrReplyNotDelivered = errors.New("reply not delivered")
)

// MessageStore is the storage the message service writes through.
type MessageStore interface {
	Write(ctx context.Context, msg model.NormalizedMessage) (string, error)
	Read(ctx context.Context, conversationID string, limit int) ([]model.NormalizedMessage, error)
}

// Queue creates the waiting row for newly seen conversations.
type Queue interface {
	EnsureWaiting(ctx context.Context, conversationID string) (bool, error)
}

// Enricher schedules background enrichment of a stored message.
type Enricher interface {
	Enqueue(msg model.NormalizedMessage, traceID string) bool
}

// MessageService runs the ingestion pipeline and agent replies.
type MessageService struct {
	store     MessageStore
	queue     Queue
	publisher realtime.Publisher
	enricher  Enricher
	crm       enrich.CRM
	ring      *trace.Ring
	logger    *logger.Logger
	now       func() time.Time
}

// MessageServiceConfig holds the collaborators of a MessageService. Only
// Store and Queue are required.
type MessageServiceConfig struct {
	Store     MessageStore
	Queue     Queue
	Publisher realtime.Publisher
	Enricher  Enricher
	CRM       enrich.CRM
	Ring      *trace.Ring
	Logger    *logger.Logger
}

// NewMessageService creates a new message service.
func NewMessageService(cfg MessageServiceConfig) *MessageService {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	ring := cfg.Ring
	if ring == nil {
		ring = trace.NewRing(trace.DefaultCapacity)
	}
	return &MessageService{
		store:     cfg.Store,
		queue:     cfg.Queue,
		publisher: cfg.Publisher,
		enricher:  cfg.Enricher,
		crm:       cfg.CRM,
		ring:      ring,
		logger:    log.Named("ingest"),
		now:       time.Now,
	}
}

// Ingest accepts one inbound payload. It resolves the conversation,
// normalizes the payload into messages and stores each of them before
// acknowledging. Publishing and enrichment never fail the call.
//
// Writes are detached from ctx so a client disconnect cannot abandon an
// event halfway through the chain.
func (s *MessageService) Ingest(ctx context.Context, event model.RawEvent) (*model.EventsAck, error) {
	traceID := uuid.NewString()
	s.ring.Tap(RouteReceived, traceID, "payload received", map[string]any{"fields": len(event)})

	conversationID, err := identity.Resolve(event)
	if err != nil {
		metrics.EventsRejected.WithLabelValues("missing_identifier").Inc()
		s.ring.Tap(RouteRejected, traceID, err.Error(), nil)
		return nil, err
	}
	s.ring.Tap(RouteResolved, traceID, conversationID, nil)

	now := s.now().UTC()
	var msgs []model.NormalizedMessage
	if batch, ok := event["messages"].([]any); ok {
		msgs = classify.NormalizeBatch(conversationID, batch, now)
	} else {
		msgs = []model.NormalizedMessage{classify.NormalizeEvent(conversationID, event, now)}
	}
	s.ring.Tap(RouteNormalized, traceID, conversationID, map[string]any{"count": len(msgs)})

	log := s.logger.WithTrace(traceID, conversationID)
	writeCtx := context.WithoutCancel(ctx)
	tiers := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		tier, err := s.store.Write(writeCtx, msg)
		if err != nil {
			metrics.EventsRejected.WithLabelValues("storage_unavailable").Inc()
			s.ring.Tap(RouteRejected, traceID, err.Error(), map[string]any{"messageId": msg.ID})
			log.Error("failed to store message", zap.String("message_id", msg.ID), zap.Error(err))
			return nil, err
		}
		metrics.EventsIngested.WithLabelValues(string(msg.Sender), string(msg.Category)).Inc()
		tiers = append(tiers, tier)
	}
	s.ring.Tap(RouteStored, traceID, conversationID, map[string]any{"count": len(msgs), "tiers": tiers})

	created, err := s.queue.EnsureWaiting(writeCtx, conversationID)
	if err != nil {
		log.Warn("failed to create queue entry", zap.Error(err))
	}
	if created {
		s.publish(writeCtx, conversationID, model.Event{
			Type:    model.EventTypeStatus,
			TraceID: traceID,
			Status:  &model.ConversationStatus{ConversationID: conversationID, Status: model.StatusWaiting, UpdatedAt: now},
		})
	}

	for i := range msgs {
		s.publish(writeCtx, conversationID, model.Event{
			Type:    model.EventTypeMessage,
			TraceID: traceID,
			Message: &msgs[i],
		})
	}
	s.ring.Tap(RoutePublished, traceID, conversationID, map[string]any{"count": len(msgs)})

	if s.enricher != nil {
		for _, msg := range msgs {
			s.enricher.Enqueue(msg, traceID)
		}
	}

	log.Debug("event ingested", zap.Int("accepted", len(msgs)), zap.Strings("tiers", tiers))
	return &model.EventsAck{
		ConversationID: conversationID,
		Accepted:       len(msgs),
		TraceID:        traceID,
	}, nil
}

// List returns up to limit of the latest messages of a conversation, in
// ascending order. A limit of zero returns everything.
func (s *MessageService) List(ctx context.Context, conversationID string, limit int) (*model.ListEventsResponse, error) {
	msgs, err := s.store.Read(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return &model.ListEventsResponse{
		ConversationID: conversationID,
		Messages:       msgs,
		Count:          len(msgs),
	}, nil
}

// Reply sends an agent message through the CRM and records it as an
// outbound human agent message.
func (s *MessageService) Reply(ctx context.Context, conversationID string, req *model.ReplyRequest) (*model.NormalizedMessage, error) {
	agentID := strings.TrimSpace(req.AgentID)
	text := strings.TrimSpace(req.Text)
	if agentID == "" || text == "" {
		return nil, ErrInvalidReply
	}
	if s.crm == nil {
		return nil, enrich.ErrCRMNotConfigured
	}

	sent, err := s.crm.SendMessage(ctx, conversationID, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReplyNotDelivered, err)
	}

	id := sent.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	msg := model.NormalizedMessage{
		ID:             id,
		ConversationID: conversationID,
		Direction:      model.DirectionOutbound,
		Sender:         model.SenderHumanAgent,
		Category:       model.CategoryChat,
		Text:           text,
		CreatedAt:      s.now().UTC().Truncate(model.TimestampPrecision),
	}

	writeCtx := context.WithoutCancel(ctx)
	if _, err := s.store.Write(writeCtx, msg); err != nil {
		// The CRM already delivered the reply; only the local record is missing.
		s.logger.Error("reply sent but not stored",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", id),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to store reply: %w", err)
	}
	metrics.EventsIngested.WithLabelValues(string(msg.Sender), string(msg.Category)).Inc()
	s.ring.Tap(RouteReply, "", conversationID, map[string]any{"messageId": id, "agentId": agentID})
	s.publish(writeCtx, conversationID, model.Event{Type: model.EventTypeMessage, Message: &msg})
	return &msg, nil
}

func (s *MessageService) publish(ctx context.Context, conversationID string, ev model.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, conversationID, ev); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("conversation_id", conversationID),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
	}
}
