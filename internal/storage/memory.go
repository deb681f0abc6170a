package storage

import (
	"context"
	"sync"
	"time"

	"github.com/capitalize-ai/support-relay/internal/model"
)

type memConversation struct {
	messages    []sequenced
	index       map[string]int
	suggestions []string
	updatedAt   time.Time
}

// MemoryTier is the in-process last-resort tier. It is safe for concurrent
// use; reads return copies.
type MemoryTier struct {
	mu            sync.RWMutex
	seq           int64
	conversations map[string]*memConversation
	statuses      map[string]model.ConversationStatus
	now           func() time.Time
}

// NewMemoryTier creates an empty memory tier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{
		conversations: make(map[string]*memConversation),
		statuses:      make(map[string]model.ConversationStatus),
		now:           time.Now,
	}
}

// Name returns the tier name.
func (m *MemoryTier) Name() string { return "memory" }

func (m *MemoryTier) conversation(id string) *memConversation {
	conv, ok := m.conversations[id]
	if !ok {
		conv = &memConversation{index: make(map[string]int)}
		m.conversations[id] = conv
	}
	return conv
}

// WriteMessage upserts msg keyed by its id within the conversation. A write
// with a lower revision than the stored copy is ignored.
func (m *MemoryTier) WriteMessage(ctx context.Context, msg model.NormalizedMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validMessage(msg); err != nil {
		return err
	}
	m.writeMessageAt(msg, m.now())
	return nil
}

func (m *MemoryTier) writeMessageAt(msg model.NormalizedMessage, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv := m.conversation(msg.ConversationID)
	if i, ok := conv.index[msg.ID]; ok {
		if msg.Revision < conv.messages[i].msg.Revision {
			return
		}
		conv.messages[i].msg = msg
	} else {
		m.seq++
		conv.index[msg.ID] = len(conv.messages)
		conv.messages = append(conv.messages, sequenced{msg: msg, seq: m.seq})
	}
	conv.updatedAt = at.UTC()
}

// ReadMessages returns messages in ascending CreatedAt order.
func (m *MemoryTier) ReadMessages(ctx context.Context, conversationID string, limit int) ([]model.NormalizedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		m.mu.RUnlock()
		return nil, nil
	}
	items := make([]sequenced, len(conv.messages))
	copy(items, conv.messages)
	m.mu.RUnlock()

	return orderMessages(items, limit), nil
}

// ListConversations returns summaries, most recently updated first.
func (m *MemoryTier) ListConversations(ctx context.Context) ([]model.ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]model.ConversationSummary, 0, len(m.conversations))
	for id, conv := range m.conversations {
		out = append(out, summaryOf(id, conv))
	}
	m.mu.RUnlock()

	sortSummaries(out)
	return out, nil
}

// GetConversation returns the summary for one conversation or nil.
func (m *MemoryTier) GetConversation(ctx context.Context, conversationID string) (*model.ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	s := summaryOf(conversationID, conv)
	return &s, nil
}

func summaryOf(id string, conv *memConversation) model.ConversationSummary {
	return model.ConversationSummary{
		ID:           id,
		MessageCount: len(conv.messages),
		Suggestions:  append([]string(nil), conv.suggestions...),
		UpdatedAt:    conv.updatedAt,
	}
}

// SetSuggestions replaces the conversation's suggestions wholesale.
func (m *MemoryTier) SetSuggestions(ctx context.Context, conversationID string, suggestions []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.setSuggestionsAt(conversationID, suggestions, m.now())
	return nil
}

func (m *MemoryTier) setSuggestionsAt(conversationID string, suggestions []string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv := m.conversation(conversationID)
	conv.suggestions = append([]string(nil), suggestions...)
	conv.updatedAt = at.UTC()
}

// UpsertStatus stores the queue row for a conversation. A row older than the
// stored one is ignored.
func (m *MemoryTier) UpsertStatus(ctx context.Context, status model.ConversationStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.statuses[status.ConversationID]; ok && status.UpdatedAt.Before(cur.UpdatedAt) {
		return nil
	}
	m.statuses[status.ConversationID] = status
	return nil
}

// GetStatus returns the queue row or nil.
func (m *MemoryTier) GetStatus(ctx context.Context, conversationID string) (*model.ConversationStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[conversationID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// ListStatuses returns queue rows in the given status, oldest update first.
func (m *MemoryTier) ListStatuses(ctx context.Context, status model.Status) ([]model.ConversationStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []model.ConversationStatus
	for _, st := range m.statuses {
		if st.Status == status {
			out = append(out, st)
		}
	}
	m.mu.RUnlock()

	sortStatuses(out)
	return out, nil
}

// Reset drops everything.
func (m *MemoryTier) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations = make(map[string]*memConversation)
	m.statuses = make(map[string]model.ConversationStatus)
	return nil
}

// Len returns the number of conversations held.
func (m *MemoryTier) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}

// Ping always succeeds.
func (m *MemoryTier) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryTier) Close() error { return nil }
