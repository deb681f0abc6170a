// Package queue tracks where each conversation sits in the agent queue.
//
// Status rows are persisted through the storage engine, so they share its
// fallback chain and memory mirror. A conversation without a row is treated
// as waiting.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-relay/internal/model"
	"github.com/capitalize-ai/support-relay/pkg/keylock"
	"github.com/capitalize-ai/support-relay/pkg/logger"
	"github.com/capitalize-ai/support-relay/pkg/metrics"
)

var (
	// ErrInvalidTransition is returned for a status change the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrMissingActor is returned when a transition has no actor id.
	ErrMissingActor = errors.New("actor id is required")

	// ErrUnknownStatus is returned for a status outside the known set.
	ErrUnknownStatus = errors.New("unknown status")
)

// transitions lists every allowed move. Closed has no outgoing edge.
var transitions = map[model.Status][]model.Status{
	model.StatusWaiting:  {model.StatusAssigned},
	model.StatusAssigned: {model.StatusRejected, model.StatusPassed, model.StatusClosed, model.StatusWaiting},
	model.StatusRejected: {model.StatusWaiting},
	model.StatusPassed:   {model.StatusWaiting},
}

// Allowed reports whether from → to is a permitted transition.
func Allowed(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition carries who performed a status change and why.
type Transition struct {
	ActorID string
	AgentID string
	Reason  string
}

// Backend persists status rows.
type Backend interface {
	UpsertStatus(ctx context.Context, status model.ConversationStatus) (string, error)
	GetStatus(ctx context.Context, conversationID string) (*model.ConversationStatus, error)
	ListStatuses(ctx context.Context, status model.Status) ([]model.ConversationStatus, error)
}

// Store applies the queue state machine.
type Store struct {
	backend Backend
	locks   *keylock.Map
	logger  *logger.Logger
	now     func() time.Time
}

// NewStore creates a queue store over backend.
func NewStore(backend Backend, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewNop()
	}
	return &Store{
		backend: backend,
		locks:   keylock.New(),
		logger:  log.Named("queue"),
		now:     time.Now,
	}
}

// GetStatus returns the row for conversationID, or a synthetic waiting row
// when none exists.
func (s *Store) GetStatus(ctx context.Context, conversationID string) (*model.ConversationStatus, error) {
	st, err := s.backend.GetStatus(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	if st == nil {
		return &model.ConversationStatus{ConversationID: conversationID, Status: model.StatusWaiting}, nil
	}
	return st, nil
}

// ListByStatus returns every conversation currently in status.
func (s *Store) ListByStatus(ctx context.Context, status model.Status) ([]model.ConversationStatus, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, status)
	}
	out, err := s.backend.ListStatuses(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list statuses: %w", err)
	}
	return out, nil
}

// EnsureWaiting creates a waiting row when the conversation has none. It
// reports whether a row was created.
func (s *Store) EnsureWaiting(ctx context.Context, conversationID string) (bool, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	st, err := s.backend.GetStatus(ctx, conversationID)
	if err != nil {
		return false, fmt.Errorf("failed to get status: %w", err)
	}
	if st != nil {
		return false, nil
	}
	row := model.ConversationStatus{
		ConversationID: conversationID,
		Status:         model.StatusWaiting,
		UpdatedAt:      s.now().UTC(),
	}
	if _, err := s.backend.UpsertStatus(ctx, row); err != nil {
		return false, fmt.Errorf("failed to create status: %w", err)
	}
	return true, nil
}

// SetStatus moves conversationID to status, stamping the actor and time of
// the transition, and returns the stored row.
func (s *Store) SetStatus(ctx context.Context, conversationID string, status model.Status, tr Transition) (*model.ConversationStatus, error) {
	tr.ActorID = strings.TrimSpace(tr.ActorID)
	if tr.ActorID == "" {
		return nil, ErrMissingActor
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, status)
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	current, err := s.GetStatus(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	from := current.Status
	if !Allowed(from, status) {
		metrics.StatusTransitions.WithLabelValues(string(from), string(status), "rejected").Inc()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	next := apply(*current, status, tr, s.now().UTC())
	if _, err := s.backend.UpsertStatus(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to store status: %w", err)
	}

	metrics.StatusTransitions.WithLabelValues(string(from), string(status), "ok").Inc()
	s.logger.Info("conversation status changed",
		zap.String("conversation_id", conversationID),
		zap.String("from", string(from)),
		zap.String("to", string(status)),
		zap.String("actor_id", tr.ActorID),
	)
	return &next, nil
}

func apply(st model.ConversationStatus, to model.Status, tr Transition, now time.Time) model.ConversationStatus {
	st.Status = to
	st.UpdatedAt = now

	switch to {
	case model.StatusAssigned:
		st.AgentID = tr.AgentID
		if st.AgentID == "" {
			st.AgentID = tr.ActorID
		}
		st.ClaimedAt = &now
	case model.StatusRejected:
		st.RejectedAt = &now
		st.RejectedBy = tr.ActorID
		st.RejectionReason = tr.Reason
	case model.StatusPassed:
		st.PassedAt = &now
		st.PassedBy = tr.ActorID
	case model.StatusClosed:
		st.ClosedAt = &now
		st.ClosedBy = tr.ActorID
	case model.StatusWaiting:
		// Restore, requeue and unclaim all return the conversation to the
		// pool without an owner.
		st.AgentID = ""
		st.ClaimedAt = nil
		st.RestoredAt = &now
		st.RestoredBy = tr.ActorID
	}
	return st
}
