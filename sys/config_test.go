package sys

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"AUDIO_CACHE_DIR", "VOICE_AUDIO_FORMAT", "VOICE_FETCH_TIMEOUT", "VOICE_PREFETCH_DELAY", "VOICE_IDLE_TIMEOUT", "VOICE_ANNOUNCE", "YOUTUBE_PROXY"} {
		t.Setenv(k, "")
	}
	t.Setenv("DISCORD_TOKEN", "token")
	t.Setenv("DATABASE_PATH", "test.db")

	cfg, err := configFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "token", cfg.Token)
	assert.Equal(t, "test.db", cfg.DatabasePath)
	assert.Equal(t, DefaultAudioCacheDir, cfg.AudioCacheDir)
	assert.Equal(t, DefaultAudioFormat, cfg.AudioFormat)
	assert.Equal(t, DefaultFetchTimeout, cfg.FetchTimeout)
	assert.Equal(t, DefaultPrefetchDelay, cfg.PrefetchDelay)
	assert.Equal(t, DefaultIdleTimeout, cfg.IdleTimeout)
	assert.True(t, cfg.AnnounceTracks)
	assert.Empty(t, cfg.YoutubeProxy)
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "token")
	t.Setenv("DATABASE_PATH", "test.db")
	t.Setenv("AUDIO_CACHE_DIR", "/tmp/tracks")
	t.Setenv("VOICE_AUDIO_FORMAT", " MP3 ")
	t.Setenv("VOICE_FETCH_TIMEOUT", "90s")
	t.Setenv("VOICE_PREFETCH_DELAY", "250ms")
	t.Setenv("VOICE_IDLE_TIMEOUT", "0")
	t.Setenv("VOICE_ANNOUNCE", "false")
	t.Setenv("YOUTUBE_PROXY", "http://proxy:8080")

	cfg, err := configFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/tracks", cfg.AudioCacheDir)
	assert.Equal(t, "mp3", cfg.AudioFormat)
	assert.Equal(t, 90*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.PrefetchDelay)
	assert.Zero(t, cfg.IdleTimeout)
	assert.False(t, cfg.AnnounceTracks)
	assert.Equal(t, "http://proxy:8080", cfg.YoutubeProxy)
}

func TestConfigFromEnvBadDuration(t *testing.T) {
	t.Setenv("DATABASE_PATH", "test.db")
	t.Setenv("VOICE_FETCH_TIMEOUT", "soon")

	_, err := configFromEnv()
	assert.ErrorContains(t, err, "VOICE_FETCH_TIMEOUT")
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		return Config{Token: "t", AudioCacheDir: ".tracks", FetchTimeout: time.Minute}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "dev guild", mutate: func(c *Config) { c.GuildID = "123456789012345678" }},
		{name: "missing token", mutate: func(c *Config) { c.Token = "" }, wantErr: "DISCORD_TOKEN"},
		{name: "short guild", mutate: func(c *Config) { c.GuildID = "123" }, wantErr: "GUILD_ID"},
		{name: "empty cache dir", mutate: func(c *Config) { c.AudioCacheDir = "" }, wantErr: "AUDIO_CACHE_DIR"},
		{name: "negative duration", mutate: func(c *Config) { c.PrefetchDelay = -time.Second }, wantErr: "negative"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			err := c.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}
