package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-relay/internal/config"
	"github.com/capitalize-ai/support-relay/internal/model"
	"github.com/capitalize-ai/support-relay/internal/storage"
	"github.com/capitalize-ai/support-relay/pkg/logger"
)

func chatMessage(id string) model.NormalizedMessage {
	return model.NormalizedMessage{
		ID:             id,
		ConversationID: "c1",
		Direction:      model.DirectionInbound,
		Sender:         model.SenderContact,
		Category:       model.CategoryChat,
		Text:           "hi",
		CreatedAt:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestBuildTiersKeepsUnreachableDatabase(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "db")
	cfg := &config.Config{
		DatabaseDriver:  storage.DriverSQLite,
		DatabaseDSN:     filepath.Join(dir, "relay.db"),
		DatabaseMigrate: true,
		TierTimeout:     time.Second,
		FileStorePath:   filepath.Join(t.TempDir(), "events.jsonl"),
	}

	tiers, file := buildTiers(ctx, cfg, logger.NewNop())
	require.Len(t, tiers, 2)
	require.NotNil(t, file)
	assert.Equal(t, "sql", tiers[0].Name())
	assert.Equal(t, "file", tiers[1].Name())

	e := storage.NewEngine(nil, tiers)
	defer e.Close()

	tier, err := e.Write(ctx, chatMessage("m1"))
	require.NoError(t, err)
	assert.Equal(t, "file", tier)

	// The database becomes reachable later; the same tier picks it up.
	require.NoError(t, os.MkdirAll(dir, 0o755))
	tier, err = e.Write(ctx, chatMessage("m2"))
	require.NoError(t, err)
	assert.Equal(t, "sql", tier)
}

func TestBuildTiersSkipsUnsupportedDriver(t *testing.T) {
	cfg := &config.Config{DatabaseDriver: "oracle", DatabaseDSN: "x", TierTimeout: time.Second}
	tiers, file := buildTiers(context.Background(), cfg, logger.NewNop())
	assert.Empty(t, tiers)
	assert.Nil(t, file)
}
