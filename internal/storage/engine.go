package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-relay/internal/model"
	"github.com/capitalize-ai/support-relay/pkg/keylock"
	"github.com/capitalize-ai/support-relay/pkg/logger"
	"github.com/capitalize-ai/support-relay/pkg/metrics"
)

const (
	// DefaultTierTimeout caps a single tier attempt.
	DefaultTierTimeout = 2 * time.Second

	tracerName = "github.com/capitalize-ai/support-relay/internal/storage"
)

// Option configures an Engine.
type Option func(*Engine)

// WithTierTimeout sets the per-attempt timeout.
func WithTierTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithTracer sets the tracer used for tier attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// Engine runs storage operations against the fallback chain. Durable tiers
// are tried in order; memory always runs last and receives a copy of every
// write.
type Engine struct {
	tiers   []Tier
	memory  *MemoryTier
	locks   *keylock.Map
	timeout time.Duration
	log     *logger.Logger
	tracer  trace.Tracer

	revision atomic.Int64
	now      func() time.Time
}

// NewEngine creates an engine over the given durable tiers, in priority order,
// backed by memory. A nil memory tier gets a fresh one.
func NewEngine(memory *MemoryTier, tiers []Tier, opts ...Option) *Engine {
	if memory == nil {
		memory = NewMemoryTier()
	}
	e := &Engine{
		tiers:   tiers,
		memory:  memory,
		locks:   keylock.New(),
		timeout: DefaultTierTimeout,
		log:     logger.NewNop(),
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Named("storage")
	return e
}

// Memory returns the memory tier.
func (e *Engine) Memory() *MemoryTier { return e.memory }

// TierNames returns the chain order, memory last.
func (e *Engine) TierNames() []string {
	names := make([]string, 0, len(e.tiers)+1)
	for _, t := range e.chain() {
		names = append(names, t.Name())
	}
	return names
}

func (e *Engine) chain() []Tier {
	out := make([]Tier, 0, len(e.tiers)+1)
	out = append(out, e.tiers...)
	return append(out, e.memory)
}

type result[T any] struct {
	v   T
	err error
}

// attempt runs fn against one tier under the per-attempt timeout. A tier that
// ignores cancellation is abandoned when the timeout fires.
func attempt[T any](ctx context.Context, e *Engine, tier Tier, op string, fn func(context.Context, Tier) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "storage."+op,
		trace.WithAttributes(attribute.String("storage.tier", tier.Name())))
	defer span.End()

	start := time.Now()
	done := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx, tier)
		done <- result[T]{v: v, err: err}
	}()

	var res result[T]
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = fmt.Errorf("%s tier %s: %w", tier.Name(), op, ctx.Err())
	}

	metrics.RecordTier(tier.Name(), op, res.err, time.Since(start).Seconds())
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		e.log.Warn("storage tier failed",
			zap.String("tier", tier.Name()),
			zap.String("op", op),
			zap.Error(res.err),
		)
	}
	return res.v, res.err
}

func attemptErr(ctx context.Context, e *Engine, tier Tier, op string, fn func(context.Context, Tier) error) error {
	_, err := attempt(ctx, e, tier, op, func(ctx context.Context, t Tier) (struct{}, error) {
		return struct{}{}, fn(ctx, t)
	})
	return err
}

// write runs fn on the first durable tier that accepts it and then on memory.
// It returns the name of the tier that made the write authoritative.
func (e *Engine) write(ctx context.Context, op, conversationID string, fn func(context.Context, Tier) error) (string, error) {
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	stored := ""
	for _, tier := range e.tiers {
		if err := attemptErr(ctx, e, tier, op, fn); err == nil {
			stored = tier.Name()
			break
		}
	}

	memErr := attemptErr(ctx, e, e.memory, op, fn)
	if stored != "" {
		return stored, nil
	}
	if memErr != nil {
		metrics.StorageUnavailable.WithLabelValues(op).Inc()
		return "", fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, memErr)
	}
	if len(e.tiers) > 0 {
		e.log.Warn("write served by memory only",
			zap.String("op", op),
			zap.String("conversation_id", conversationID),
		)
	}
	return e.memory.Name(), nil
}

// read returns the first successful non-empty result. Empty results fall
// through; the call only fails when every tier errored.
func read[T any](ctx context.Context, e *Engine, op string, fn func(context.Context, Tier) (T, error), empty func(T) bool) (T, error) {
	var zero T
	failed := 0
	chain := e.chain()
	for _, tier := range chain {
		v, err := attempt(ctx, e, tier, op, fn)
		if err != nil {
			failed++
			continue
		}
		if !empty(v) {
			return v, nil
		}
	}
	if failed == len(chain) {
		metrics.StorageUnavailable.WithLabelValues(op).Inc()
		return zero, fmt.Errorf("%w: %s", ErrStorageUnavailable, op)
	}
	return zero, nil
}

// nextRevision returns a strictly increasing write revision seeded from the
// wall clock, so revisions keep increasing across restarts.
func (e *Engine) nextRevision() int64 {
	for {
		last := e.revision.Load()
		next := e.now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if e.revision.CompareAndSwap(last, next) {
			return next
		}
	}
}

// Write stores msg. Retrying the same id overwrites it in place. Each call
// carries a new revision, so an abandoned attempt that lands late cannot
// replace a later write of the same id.
func (e *Engine) Write(ctx context.Context, msg model.NormalizedMessage) (string, error) {
	if err := validMessage(msg); err != nil {
		return "", err
	}
	msg.Revision = e.nextRevision()
	return e.write(ctx, "write_message", msg.ConversationID, func(ctx context.Context, t Tier) error {
		return t.WriteMessage(ctx, msg)
	})
}

// Read returns a conversation's messages in ascending time order. With
// limit > 0 only the latest limit messages are returned.
func (e *Engine) Read(ctx context.Context, conversationID string, limit int) ([]model.NormalizedMessage, error) {
	msgs, err := read(ctx, e, "read_messages", func(ctx context.Context, t Tier) ([]model.NormalizedMessage, error) {
		return t.ReadMessages(ctx, conversationID, limit)
	}, func(v []model.NormalizedMessage) bool { return len(v) == 0 })
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []model.NormalizedMessage{}
	}
	return msgs, nil
}

// ListConversations returns conversation summaries, most recent first.
func (e *Engine) ListConversations(ctx context.Context) ([]model.ConversationSummary, error) {
	out, err := read(ctx, e, "list_conversations", func(ctx context.Context, t Tier) ([]model.ConversationSummary, error) {
		return t.ListConversations(ctx)
	}, func(v []model.ConversationSummary) bool { return len(v) == 0 })
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.ConversationSummary{}
	}
	return out, nil
}

// Conversation assembles a conversation with its messages and queue status.
// It returns ErrNotFound when no tier knows the conversation.
func (e *Engine) Conversation(ctx context.Context, conversationID string, limit int) (*model.Conversation, error) {
	summary, err := read(ctx, e, "get_conversation", func(ctx context.Context, t Tier) (*model.ConversationSummary, error) {
		return t.GetConversation(ctx, conversationID)
	}, func(v *model.ConversationSummary) bool { return v == nil })
	if err != nil {
		return nil, err
	}
	msgs, err := e.Read(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	status, err := e.GetStatus(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if summary == nil && len(msgs) == 0 && status == nil {
		return nil, ErrNotFound
	}

	conv := &model.Conversation{
		ID:          conversationID,
		Messages:    msgs,
		Suggestions: []string{},
		Status:      status,
	}
	if summary != nil {
		if summary.Suggestions != nil {
			conv.Suggestions = summary.Suggestions
		}
		conv.UpdatedAt = summary.UpdatedAt
	}
	return conv, nil
}

// SetSuggestions replaces a conversation's suggestions.
func (e *Engine) SetSuggestions(ctx context.Context, conversationID string, suggestions []string) (string, error) {
	return e.write(ctx, "set_suggestions", conversationID, func(ctx context.Context, t Tier) error {
		return t.SetSuggestions(ctx, conversationID, suggestions)
	})
}

// UpsertStatus stores a conversation's queue row.
func (e *Engine) UpsertStatus(ctx context.Context, status model.ConversationStatus) (string, error) {
	return e.write(ctx, "upsert_status", status.ConversationID, func(ctx context.Context, t Tier) error {
		return t.UpsertStatus(ctx, status)
	})
}

// GetStatus returns a conversation's queue row or nil.
func (e *Engine) GetStatus(ctx context.Context, conversationID string) (*model.ConversationStatus, error) {
	return read(ctx, e, "get_status", func(ctx context.Context, t Tier) (*model.ConversationStatus, error) {
		return t.GetStatus(ctx, conversationID)
	}, func(v *model.ConversationStatus) bool { return v == nil })
}

// ListStatuses returns queue rows in status, oldest update first.
func (e *Engine) ListStatuses(ctx context.Context, status model.Status) ([]model.ConversationStatus, error) {
	out, err := read(ctx, e, "list_statuses", func(ctx context.Context, t Tier) ([]model.ConversationStatus, error) {
		return t.ListStatuses(ctx, status)
	}, func(v []model.ConversationStatus) bool { return len(v) == 0 })
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.ConversationStatus{}
	}
	return out, nil
}

// Reset clears every tier.
func (e *Engine) Reset(ctx context.Context) error {
	var errs []error
	for _, tier := range e.chain() {
		if err := attemptErr(ctx, e, tier, "reset", func(ctx context.Context, t Tier) error {
			return t.Reset(ctx)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("reset incomplete: %w", errors.Join(errs...))
	}
	return nil
}

// Ping checks every tier and returns their health keyed by name. The error
// is non-nil only when no durable tier answered.
func (e *Engine) Ping(ctx context.Context) (map[string]string, error) {
	health := make(map[string]string, len(e.tiers)+1)
	healthy := 0
	for _, tier := range e.chain() {
		err := attemptErr(ctx, e, tier, "ping", func(ctx context.Context, t Tier) error {
			return t.Ping(ctx)
		})
		if err != nil {
			health[tier.Name()] = err.Error()
			continue
		}
		health[tier.Name()] = "ok"
		if tier != Tier(e.memory) {
			healthy++
		}
	}
	if len(e.tiers) > 0 && healthy == 0 {
		return health, fmt.Errorf("%w: no durable tier reachable", ErrStorageUnavailable)
	}
	return health, nil
}

// Close closes every tier and returns the first error.
func (e *Engine) Close() error {
	var first error
	for _, tier := range e.chain() {
		if err := tier.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
