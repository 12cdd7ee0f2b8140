package sys

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// --- Configuration & Environment ---

type Config struct {
	Token        string
	GuildID      string
	DatabasePath string
	Silent       bool

	// Voice
	AudioCacheDir  string
	AudioFormat    string
	FetchTimeout   time.Duration
	PrefetchDelay  time.Duration
	IdleTimeout    time.Duration
	YoutubeProxy   string
	AnnounceTracks bool
}

var GlobalConfig *Config

const (
	DefaultAudioCacheDir = ".tracks"
	DefaultAudioFormat   = "opus"
	DefaultFetchTimeout  = 5 * time.Minute
	DefaultPrefetchDelay = 1 * time.Second
	DefaultIdleTimeout   = 30 * time.Minute
)

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := configFromEnv()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func configFromEnv() (*Config, error) {
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		folder := "."
		if info, err := os.Stat("data"); err == nil && info.IsDir() {
			folder = "./data"
		}
		dbPath = filepath.Join(folder, GetProjectName()+".db")
	}

	silent, _ := strconv.ParseBool(os.Getenv("SILENT"))

	cacheDir := os.Getenv("AUDIO_CACHE_DIR")
	if cacheDir == "" {
		cacheDir = DefaultAudioCacheDir
	}

	format := strings.ToLower(strings.TrimSpace(os.Getenv("VOICE_AUDIO_FORMAT")))
	if format == "" {
		format = DefaultAudioFormat
	}

	fetchTimeout, err := envDuration("VOICE_FETCH_TIMEOUT", DefaultFetchTimeout)
	if err != nil {
		return nil, err
	}
	prefetchDelay, err := envDuration("VOICE_PREFETCH_DELAY", DefaultPrefetchDelay)
	if err != nil {
		return nil, err
	}
	idleTimeout, err := envDuration("VOICE_IDLE_TIMEOUT", DefaultIdleTimeout)
	if err != nil {
		return nil, err
	}

	announce := true
	if v := os.Getenv("VOICE_ANNOUNCE"); v != "" {
		announce, _ = strconv.ParseBool(v)
	}

	return &Config{
		Token:          os.Getenv("DISCORD_TOKEN"),
		GuildID:        os.Getenv("GUILD_ID"),
		DatabasePath:   dbPath,
		Silent:         silent,
		AudioCacheDir:  cacheDir,
		AudioFormat:    format,
		FetchTimeout:   fetchTimeout,
		PrefetchDelay:  prefetchDelay,
		IdleTimeout:    idleTimeout,
		YoutubeProxy:   os.Getenv("YOUTUBE_PROXY"),
		AnnounceTracks: announce,
	}, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf(MsgConfigBadDuration, key, err)
	}
	return d, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf("invalid GUILD_ID: must be a valid Snowflake")
	}
	if c.AudioCacheDir == "" {
		return fmt.Errorf("AUDIO_CACHE_DIR must not be empty")
	}
	if c.FetchTimeout < 0 || c.PrefetchDelay < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("voice durations must not be negative")
	}
	return nil
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "bot"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") || strings.HasSuffix(projectName, ".test") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}
