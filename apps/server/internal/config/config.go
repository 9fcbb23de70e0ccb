package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"stagehand/staging"
)

// Config is the server configuration, read from STAGING_* variables.
type Config struct {
	Addr      string `env:"STAGING_ADDR"       envDefault:":8080"`
	WorldFile string `env:"STAGING_WORLD_FILE" envDefault:"world.yaml"`

	StoreMode   string `env:"STAGING_STORE_MODE"   envDefault:"sqlite"`
	SQLitePath  string `env:"STAGING_SQLITE_PATH"`
	PostgresDSN string `env:"STAGING_POSTGRES_DSN"`

	DefaultTTLHours int           `env:"STAGING_DEFAULT_TTL_HOURS" envDefault:"3"`
	MaxTTLHours     int           `env:"STAGING_MAX_TTL_HOURS"     envDefault:"168"`
	ApprovalTimeout time.Duration `env:"STAGING_APPROVAL_TIMEOUT"  envDefault:"30s"`
	TickInterval    time.Duration `env:"STAGING_TICK_INTERVAL"     envDefault:"500ms"`
	CacheSize       int           `env:"STAGING_CACHE_SIZE"        envDefault:"256"`

	NarrativeEnabled     bool          `env:"STAGING_NARRATIVE_ENABLED"     envDefault:"true"`
	NarrativeModel       string        `env:"STAGING_NARRATIVE_MODEL"       envDefault:"gemini-2.5-flash"`
	NarrativeTimeout     time.Duration `env:"STAGING_NARRATIVE_TIMEOUT"     envDefault:"20s"`
	NarrativeTemperature float32       `env:"STAGING_NARRATIVE_TEMPERATURE" envDefault:"0.7"`
	GeminiAPIKey         string        `env:"GEMINI_API_KEY"`
}

// Load reads an optional .env file, then the environment.
func Load(dotenvFiles ...string) (Config, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	for _, f := range dotenvFiles {
		// Variables already set in the environment win over the file.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Staging().Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Staging returns the staging service settings.
func (c Config) Staging() staging.Config {
	return staging.Config{
		DefaultTTLHours:  c.DefaultTTLHours,
		NarrativeTimeout: c.NarrativeTimeout,
		ApprovalTimeout:  c.ApprovalTimeout,
		MaxTTLHours:      c.MaxTTLHours,
	}
}

// NarrativeReady reports whether the narrative proposer can be built.
func (c Config) NarrativeReady() bool {
	return c.NarrativeEnabled && c.GeminiAPIKey != ""
}
