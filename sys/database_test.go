package sys

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) {
	t.Helper()
	require.NoError(t, InitDatabase(context.Background(), filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(CloseDatabase)
}

func TestPlayHistory(t *testing.T) {
	openTestDB(t)
	ctx := context.Background()
	guild := snowflake.ID(111111111111111111)
	other := snowflake.ID(222222222222222222)

	require.NoError(t, RecordPlay(ctx, guild, "https://a", false))
	require.NoError(t, RecordPlay(ctx, guild, "https://b", true))
	require.NoError(t, RecordPlay(ctx, guild, "https://c", true))
	require.NoError(t, RecordPlay(ctx, other, "https://x", false))

	plays, err := RecentPlays(ctx, guild, 10)
	require.NoError(t, err)
	require.Len(t, plays, 3)
	assert.Equal(t, "https://c", plays[0].Link)
	assert.Equal(t, "https://a", plays[2].Link)
	assert.True(t, plays[0].Prefetched)
	assert.False(t, plays[2].Prefetched)
	assert.Equal(t, guild, plays[0].GuildID)

	pruned, err := PrunePlays(ctx, guild, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, pruned)

	plays, err = RecentPlays(ctx, guild, 10)
	require.NoError(t, err)
	require.Len(t, plays, 1)
	assert.Equal(t, "https://c", plays[0].Link)

	plays, err = RecentPlays(ctx, other, 0)
	require.NoError(t, err)
	assert.Len(t, plays, 1)
}

func TestBotConfig(t *testing.T) {
	openTestDB(t)
	ctx := context.Background()

	v, err := GetBotConfig(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, SetBotConfig(ctx, "mode", "guild"))
	require.NoError(t, SetBotConfig(ctx, "mode", "global"))
	v, err = GetBotConfig(ctx, "mode")
	require.NoError(t, err)
	assert.Equal(t, "global", v)
}

func TestInitDatabaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, InitDatabase(context.Background(), path))
	CloseDatabase()
	require.NoError(t, InitDatabase(context.Background(), path))
	CloseDatabase()
}
