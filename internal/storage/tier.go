// Package storage implements the tiered message store.
//
// An Engine runs every operation against an ordered chain of Tier
// implementations (durable SQL, append-only file, in-process memory) and
// mirrors every write into its memory tier. A failing tier is logged and
// skipped; callers only see ErrStorageUnavailable when every tier failed.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/capitalize-ai/support-relay/internal/model"
)

var (
	// ErrStorageUnavailable is returned when every tier failed.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound is returned when no tier holds the requested record.
	ErrNotFound = errors.New("not found")

	// ErrInvalidMessage is returned for a message without conversation id or
	// id, or with a creation time the tiers cannot persist.
	ErrInvalidMessage = errors.New("invalid message")
)

// Tier is one backend in the fallback chain.
//
// Reads return empty results (or a nil status/conversation) rather than an
// error when the tier simply has no data.
type Tier interface {
	Name() string

	WriteMessage(ctx context.Context, msg model.NormalizedMessage) error
	ReadMessages(ctx context.Context, conversationID string, limit int) ([]model.NormalizedMessage, error)

	ListConversations(ctx context.Context) ([]model.ConversationSummary, error)
	GetConversation(ctx context.Context, conversationID string) (*model.ConversationSummary, error)
	SetSuggestions(ctx context.Context, conversationID string, suggestions []string) error

	UpsertStatus(ctx context.Context, status model.ConversationStatus) error
	GetStatus(ctx context.Context, conversationID string) (*model.ConversationStatus, error)
	ListStatuses(ctx context.Context, status model.Status) ([]model.ConversationStatus, error)

	Reset(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// sequenced pairs a message with its insertion sequence for tie-breaking.
type sequenced struct {
	msg model.NormalizedMessage
	seq int64
}

// orderMessages sorts ascending by CreatedAt, ties by insertion sequence, and
// keeps the latest limit entries when limit > 0.
func orderMessages(items []sequenced, limit int) []model.NormalizedMessage {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		return a.seq < b.seq
	})
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	out := make([]model.NormalizedMessage, len(items))
	for i, it := range items {
		out[i] = it.msg
	}
	return out
}

func sortSummaries(items []model.ConversationSummary) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

func sortStatuses(items []model.ConversationStatus) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.Before(items[j].UpdatedAt)
		}
		return items[i].ConversationID < items[j].ConversationID
	})
}

func validMessage(msg model.NormalizedMessage) error {
	if msg.ConversationID == "" || msg.ID == "" {
		return fmt.Errorf("%w: conversation id and id are required", ErrInvalidMessage)
	}
	if !model.TimestampInRange(msg.CreatedAt) {
		return fmt.Errorf("%w: created_at %s out of range", ErrInvalidMessage, msg.CreatedAt)
	}
	return nil
}
