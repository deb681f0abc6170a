package maintenance

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-relay/internal/model"
	"github.com/capitalize-ai/support-relay/internal/storage"
	"github.com/capitalize-ai/support-relay/pkg/logger"
	"github.com/capitalize-ai/support-relay/pkg/metrics"
)

type countingCompactor struct {
	calls atomic.Int32
	err   error
}

func (c *countingCompactor) Compact(context.Context) (int, error) {
	c.calls.Add(1)
	return 3, c.err
}

func TestSchedulerRunsCompaction(t *testing.T) {
	s, err := NewScheduler(nil)
	require.NoError(t, err)

	c := &countingCompactor{}
	require.NoError(t, s.AddCompaction(c, 20*time.Millisecond))
	s.Start()
	defer func() { require.NoError(t, s.Shutdown()) }()

	assert.Eventually(t, func() bool { return c.calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestCompactToleratesFailure(t *testing.T) {
	c := &countingCompactor{err: errors.New("disk full")}
	Compact(c, logger.NewNop())
	assert.Equal(t, int32(1), c.calls.Load())
}

func TestCompactFileTier(t *testing.T) {
	ctx := context.Background()
	file, err := storage.NewFileTier(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	defer file.Close()

	msg := model.NormalizedMessage{ID: "m1", ConversationID: "c1", Text: "hi", CreatedAt: time.Now().UTC()}
	for i := 0; i < 3; i++ {
		require.NoError(t, file.WriteMessage(ctx, msg))
	}
	Compact(file, logger.NewNop())

	msgs, err := file.ReadMessages(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestRefreshGauge(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryTier()
	require.NoError(t, mem.WriteMessage(ctx, model.NormalizedMessage{ID: "m1", ConversationID: "c1", CreatedAt: time.Now()}))
	require.NoError(t, mem.WriteMessage(ctx, model.NormalizedMessage{ID: "m1", ConversationID: "c2", CreatedAt: time.Now()}))

	RefreshGauge(mem)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.MemoryConversations))
}
