package main

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ProjectName is used for default file names (database, log file).
const ProjectName = "bard"

// ===========================
// Environment Variables
// ===========================

const (
	EnvDiscordToken     = "DISCORD_TOKEN"
	EnvGuildID          = "GUILD_ID"
	EnvLibraryDir       = "LIBRARY_DIR"
	EnvCookieFile       = "COOKIE_FILE"
	EnvFuzzyThreshold   = "FUZZY_THRESHOLD"
	EnvPaceMinSeconds   = "PACE_MIN_SECONDS"
	EnvPaceMaxSeconds   = "PACE_MAX_SECONDS"
	EnvChooseTimeout    = "CHOOSE_TIMEOUT_SECONDS"
	EnvProgressInterval = "PROGRESS_INTERVAL_SECONDS"
	EnvSilent           = "SILENT"
)

// Config holds all runtime configuration for the bot.
type Config struct {
	Token        string
	GuildID      string
	DatabasePath string

	// LibraryDir is the root of the local audio catalog. Bulk acquisitions
	// create subfolders under it; single fetches land in SinglesDir.
	LibraryDir string
	SinglesDir string
	CookieFile string

	// Tuning knobs, environment-adjustable.
	FuzzyThreshold   int
	PaceMin          time.Duration
	PaceMax          time.Duration
	ChooseTimeout    time.Duration
	ProgressInterval time.Duration

	Silent bool
}

var GlobalConfig *Config

// LoadConfig reads configuration from the environment (and .env if present)
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	libraryDir := os.Getenv(EnvLibraryDir)
	if libraryDir == "" {
		libraryDir = "Library"
	}

	cfg := &Config{
		Token:            os.Getenv(EnvDiscordToken),
		GuildID:          os.Getenv(EnvGuildID),
		DatabasePath:     filepath.Join(".", ProjectName+".db"),
		LibraryDir:       libraryDir,
		SinglesDir:       filepath.Join(libraryDir, "Singles"),
		CookieFile:       os.Getenv(EnvCookieFile),
		FuzzyThreshold:   envInt(EnvFuzzyThreshold, 90),
		PaceMin:          envSeconds(EnvPaceMinSeconds, 5*time.Second),
		PaceMax:          envSeconds(EnvPaceMaxSeconds, 15*time.Second),
		ChooseTimeout:    envSeconds(EnvChooseTimeout, 30*time.Second),
		ProgressInterval: envSeconds(EnvProgressInterval, 5*time.Second),
	}
	cfg.Silent, _ = strconv.ParseBool(os.Getenv(EnvSilent))

	if cfg.CookieFile == "" {
		cfg.CookieFile = "cookies.txt"
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

func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New(EnvDiscordToken + " is not set")
	}
	if c.PaceMin > c.PaceMax {
		return errors.New(EnvPaceMinSeconds + " must not exceed " + EnvPaceMaxSeconds)
	}
	if c.FuzzyThreshold < 0 || c.FuzzyThreshold > 100 {
		return errors.New(EnvFuzzyThreshold + " must be within 0-100")
	}
	return nil
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func envSeconds(key string, def time.Duration) time.Duration {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return time.Duration(v) * time.Second
	}
	return def
}
