package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-relay/internal/model"
	"github.com/capitalize-ai/support-relay/internal/storage"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(storage.NewEngine(nil, nil), nil)
	s.now = func() time.Time { return fixedNow }
	return s
}

func TestSetStatusClaimFromMissingRow(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	st, err := s.SetStatus(ctx, "c1", model.StatusAssigned, Transition{ActorID: "agent-7"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusAssigned, st.Status)
	assert.Equal(t, "agent-7", st.AgentID)
	require.NotNil(t, st.ClaimedAt)
	assert.Equal(t, fixedNow, *st.ClaimedAt)

	stored, err := s.GetStatus(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAssigned, stored.Status)
}

func TestSetStatusTransitionTable(t *testing.T) {
	tests := []struct {
		from, to model.Status
		ok       bool
	}{
		{model.StatusWaiting, model.StatusAssigned, true},
		{model.StatusAssigned, model.StatusRejected, true},
		{model.StatusAssigned, model.StatusPassed, true},
		{model.StatusAssigned, model.StatusClosed, true},
		{model.StatusAssigned, model.StatusWaiting, true},
		{model.StatusRejected, model.StatusWaiting, true},
		{model.StatusPassed, model.StatusWaiting, true},
		{model.StatusClosed, model.StatusAssigned, false},
		{model.StatusClosed, model.StatusWaiting, false},
		{model.StatusWaiting, model.StatusClosed, false},
		{model.StatusWaiting, model.StatusWaiting, false},
		{model.StatusRejected, model.StatusAssigned, false},
		{model.StatusPassed, model.StatusClosed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, Allowed(tt.from, tt.to))
		})
	}
}

func TestClosedIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.SetStatus(ctx, "c1", model.StatusAssigned, Transition{ActorID: "a1"})
	require.NoError(t, err)
	closed, err := s.SetStatus(ctx, "c1", model.StatusClosed, Transition{ActorID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "a1", closed.ClosedBy)
	require.NotNil(t, closed.ClosedAt)

	_, err = s.SetStatus(ctx, "c1", model.StatusAssigned, Transition{ActorID: "a2"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	st, err := s.GetStatus(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, st.Status)
}

func TestRestoreStampsActor(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.SetStatus(ctx, "c1", model.StatusAssigned, Transition{ActorID: "a1"})
	require.NoError(t, err)
	rejected, err := s.SetStatus(ctx, "c1", model.StatusRejected, Transition{ActorID: "a1", Reason: "spam"})
	require.NoError(t, err)
	assert.Equal(t, "a1", rejected.RejectedBy)
	assert.Equal(t, "spam", rejected.RejectionReason)

	later := fixedNow.Add(time.Minute)
	s.now = func() time.Time { return later }
	restored, err := s.SetStatus(ctx, "c1", model.StatusWaiting, Transition{ActorID: "supervisor"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaiting, restored.Status)
	assert.Equal(t, "supervisor", restored.RestoredBy)
	require.NotNil(t, restored.RestoredAt)
	assert.Equal(t, later, *restored.RestoredAt)
	assert.Empty(t, restored.AgentID)
	assert.Nil(t, restored.ClaimedAt)
	assert.Equal(t, "spam", restored.RejectionReason)
}

func TestPassAndRequeue(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.SetStatus(ctx, "c1", model.StatusAssigned, Transition{ActorID: "lead", AgentID: "a1"})
	require.NoError(t, err)
	passed, err := s.SetStatus(ctx, "c1", model.StatusPassed, Transition{ActorID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "a1", passed.AgentID)
	assert.Equal(t, "a1", passed.PassedBy)

	requeued, err := s.SetStatus(ctx, "c1", model.StatusWaiting, Transition{ActorID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "a1", requeued.RestoredBy)
}

func TestSetStatusValidation(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.SetStatus(ctx, "c1", model.StatusAssigned, Transition{ActorID: "  "})
	assert.ErrorIs(t, err, ErrMissingActor)

	_, err = s.SetStatus(ctx, "c1", model.Status("escalated"), Transition{ActorID: "a1"})
	assert.ErrorIs(t, err, ErrUnknownStatus)

	_, err = s.ListByStatus(ctx, model.Status("escalated"))
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestEnsureWaitingAndList(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	created, err := s.EnsureWaiting(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.EnsureWaiting(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, created)

	_, err = s.EnsureWaiting(ctx, "c2")
	require.NoError(t, err)
	_, err = s.SetStatus(ctx, "c2", model.StatusAssigned, Transition{ActorID: "a1"})
	require.NoError(t, err)

	// An existing row is never reset to waiting.
	created, err = s.EnsureWaiting(ctx, "c2")
	require.NoError(t, err)
	assert.False(t, created)

	waiting, err := s.ListByStatus(ctx, model.StatusWaiting)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "c1", waiting[0].ConversationID)

	assigned, err := s.ListByStatus(ctx, model.StatusAssigned)
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, "c2", assigned[0].ConversationID)
}

func TestGetStatusDefaultsToWaiting(t *testing.T) {
	st, err := newStore(t).GetStatus(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaiting, st.Status)
	assert.Equal(t, "never-seen", st.ConversationID)
}
