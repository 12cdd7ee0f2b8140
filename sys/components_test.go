package sys

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	assert.Equal(t, "ééééééé...", Truncate("éééééééééééé", 10))
}

func TestTruncateWithPreserve(t *testing.T) {
	t.Parallel()

	got := TruncateWithPreserve("A very long song title that keeps going", 30, "[YTM] ", " - Artist")
	assert.LessOrEqual(t, len([]rune(got)), 30)
	assert.Contains(t, got, "[YTM] ")
	assert.Contains(t, got, " - Artist")

	assert.Equal(t, "[YT] Song", TruncateWithPreserve("Song", 100, "[YT] ", ""))
}

func TestTextContainerJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(TextContainer("Now playing: a"))
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.EqualValues(t, 17, out["type"])
	assert.Contains(t, string(data), "Now playing: a")
}
