package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteTier(t *testing.T, migrate bool) *SQLTier {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "relay.db")
	tier, err := OpenSQLTier(context.Background(), DriverSQLite, dsn, migrate)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier.Close() })
	return tier
}

func TestSQLTierContract(t *testing.T) {
	tierContract(t, func(t *testing.T) Tier { return newSQLiteTier(t, true) })
}

func TestSQLTierMigrateIsIdempotent(t *testing.T) {
	tier := newSQLiteTier(t, true)
	assert.NoError(t, tier.Migrate())
}

func TestSQLTierUnsupportedDriver(t *testing.T) {
	_, err := OpenSQLTier(context.Background(), "mysql", "root@/relay", false)
	assert.Error(t, err)
}

func TestSQLTierMissingSchemaSurfacesError(t *testing.T) {
	ctx := context.Background()
	tier := newSQLiteTier(t, false)

	_, err := tier.ReadMessages(ctx, "c1", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such table")

	assert.Error(t, tier.WriteMessage(ctx, msgAt("c1", "m1", 0, "")))
	_, err = tier.GetStatus(ctx, "c1")
	assert.Error(t, err)
}

func TestSQLTierReadsMessageFieldsBack(t *testing.T) {
	ctx := context.Background()
	tier := newSQLiteTier(t, true)

	in := msgAt("c1", "m1", 0, "hello")
	require.NoError(t, tier.WriteMessage(ctx, in))

	msgs, err := tier.ReadMessages(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, in.ID, msgs[0].ID)
	assert.Equal(t, in.Direction, msgs[0].Direction)
	assert.Equal(t, in.Sender, msgs[0].Sender)
	assert.Equal(t, in.Category, msgs[0].Category)
	assert.Equal(t, in.Text, msgs[0].Text)
	assert.True(t, in.CreatedAt.Equal(msgs[0].CreatedAt))
	assert.NoError(t, tier.Ping(ctx))
}

func TestSQLTierSkipsUnreadableRows(t *testing.T) {
	ctx := context.Background()
	tier := newSQLiteTier(t, true)

	require.NoError(t, tier.WriteMessage(ctx, msgAt("c1", "m1", 0, "good")))
	_, err := tier.db.ExecContext(ctx, `
		INSERT INTO relay_messages (conversation_id, message_id, direction, sender, category, body, created_at, stored_at)
		VALUES ('c1', 'bad', 'inbound', 'contact', 'chat', '', '33658-09-27T01:46:39.000000Z', '2024-05-01T12:00:00.000000Z')`)
	require.NoError(t, err)

	msgs, err := tier.ReadMessages(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(msgs))
}

func TestSQLTierStartsWithoutDatabase(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "not-yet")
	tier, err := OpenLazySQLTier(DriverSQLite, filepath.Join(dir, "relay.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier.Close() })

	assert.Error(t, tier.Ready(ctx))
	assert.Error(t, tier.WriteMessage(ctx, msgAt("c1", "m1", 0, "hi")))

	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, tier.WriteMessage(ctx, msgAt("c1", "m1", 0, "hi")))
	msgs, err := tier.ReadMessages(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(msgs))
	assert.NoError(t, tier.Ping(ctx))
}
