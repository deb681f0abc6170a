package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-relay/internal/model"
)

// BreakerConfig configures the circuit breaker in front of a tier.
type BreakerConfig struct {
	MaxFailures int
	OpenTimeout time.Duration
}

// BreakerTier short-circuits calls to a tier after repeated failures so a
// dead database does not cost every request a full tier timeout.
type BreakerTier struct {
	Tier
	cb *gobreaker.CircuitBreaker
}

// NewBreakerTier wraps next in a circuit breaker.
func NewBreakerTier(next Tier, cfg BreakerConfig, log *zap.Logger) *BreakerTier {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	settings := gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
		IsSuccessful: func(err error) bool {
			// Invalid input says nothing about backend health.
			return err == nil || errors.Is(err, ErrInvalidMessage)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("storage circuit breaker state changed",
				zap.String("tier", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &BreakerTier{Tier: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State returns the breaker state.
func (b *BreakerTier) State() gobreaker.State {
	return b.cb.State()
}

func guarded[T any](b *BreakerTier, fn func() (T, error)) (T, error) {
	var zero T
	out, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

func guardedErr(b *BreakerTier, fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func (b *BreakerTier) WriteMessage(ctx context.Context, msg model.NormalizedMessage) error {
	return guardedErr(b, func() error { return b.Tier.WriteMessage(ctx, msg) })
}

func (b *BreakerTier) ReadMessages(ctx context.Context, conversationID string, limit int) ([]model.NormalizedMessage, error) {
	return guarded(b, func() ([]model.NormalizedMessage, error) {
		return b.Tier.ReadMessages(ctx, conversationID, limit)
	})
}

func (b *BreakerTier) ListConversations(ctx context.Context) ([]model.ConversationSummary, error) {
	return guarded(b, func() ([]model.ConversationSummary, error) {
		return b.Tier.ListConversations(ctx)
	})
}

func (b *BreakerTier) GetConversation(ctx context.Context, conversationID string) (*model.ConversationSummary, error) {
	return guarded(b, func() (*model.ConversationSummary, error) {
		return b.Tier.GetConversation(ctx, conversationID)
	})
}

func (b *BreakerTier) SetSuggestions(ctx context.Context, conversationID string, suggestions []string) error {
	return guardedErr(b, func() error { return b.Tier.SetSuggestions(ctx, conversationID, suggestions) })
}

func (b *BreakerTier) UpsertStatus(ctx context.Context, status model.ConversationStatus) error {
	return guardedErr(b, func() error { return b.Tier.UpsertStatus(ctx, status) })
}

func (b *BreakerTier) GetStatus(ctx context.Context, conversationID string) (*model.ConversationStatus, error) {
	return guarded(b, func() (*model.ConversationStatus, error) {
		return b.Tier.GetStatus(ctx, conversationID)
	})
}

func (b *BreakerTier) ListStatuses(ctx context.Context, status model.Status) ([]model.ConversationStatus, error) {
	return guarded(b, func() ([]model.ConversationStatus, error) {
		return b.Tier.ListStatuses(ctx, status)
	})
}

func (b *BreakerTier) Reset(ctx context.Context) error {
	return guardedErr(b, func() error { return b.Tier.Reset(ctx) })
}
