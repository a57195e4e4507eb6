package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Store backends understood by cmd/server.
const (
	BackendSQLite    = "sqlite"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
)

// DefaultAllowedDomains are the hosts the built-in sources live on.
var DefaultAllowedDomains = []string{"mentalmars.com", "xsmashx88x.github.io"}

type Config struct {
	Port     string `env:"PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	StoreBackend string `env:"STORE_BACKEND,default=sqlite"`
	DatabasePath string `env:"DATABASE_PATH,default=shift_codes.db"`
	DatabaseURL  string `env:"DATABASE_URL"`
	ProjectID    string `env:"GOOGLE_CLOUD_PROJECT"`

	DiscordBotToken string `env:"DISCORD_BOT_TOKEN"`
	DiscordAPIBase  string `env:"DISCORD_API_BASE,default=https://discord.com/api/v10"`

	PollInterval     time.Duration `env:"POLL_INTERVAL,default=1h"`
	CacheTTL         time.Duration `env:"CACHE_TTL,default=1h"`
	HistoryRetention time.Duration `env:"HISTORY_RETENTION,default=2160h"` // 90 days

	FetchTimeout     time.Duration `env:"FETCH_TIMEOUT,default=15s"`
	FetchMaxAttempts int           `env:"FETCH_MAX_ATTEMPTS,default=3"`
	FetchBaseDelay   time.Duration `env:"FETCH_BASE_DELAY,default=1s"`
	FetchRate        float64       `env:"FETCH_RATE,default=2"` // requests per second
	FetchBurst       int           `env:"FETCH_BURST,default=2"`
	UserAgent        string        `env:"USER_AGENT"`

	BreakerThreshold int           `env:"BREAKER_THRESHOLD,default=3"`
	BreakerTimeout   time.Duration `env:"BREAKER_TIMEOUT,default=5m"`

	AllowedDomains    []string `env:"ALLOWED_DOMAINS"`
	SourcesConfigPath string   `env:"SOURCES_CONFIG_PATH,default=config/sources.json"`
}

// Load reads .env when present, then the process environment.
func Load(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	if len(cfg.AllowedDomains) == 0 {
		cfg.AllowedDomains = append([]string(nil), DefaultAllowedDomains...)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.DiscordBotToken == "" {
		slog.Warn("DISCORD_BOT_TOKEN not set, Discord notifications will be skipped")
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel)
	}

	switch c.StoreBackend {
	case BackendSQLite:
		if c.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	case BackendFirestore:
		if c.ProjectID == "" {
			return fmt.Errorf("GOOGLE_CLOUD_PROJECT environment variable is required for the firestore backend")
		}
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q", c.StoreBackend)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid POLL_INTERVAL %s: must be positive", c.PollInterval)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("invalid CACHE_TTL %s: must be positive", c.CacheTTL)
	}
	if c.FetchMaxAttempts < 1 {
		return fmt.Errorf("invalid FETCH_MAX_ATTEMPTS %d: must be at least 1", c.FetchMaxAttempts)
	}
	if c.FetchRate <= 0 || c.FetchBurst < 1 {
		return fmt.Errorf("invalid FETCH_RATE/FETCH_BURST %v/%d", c.FetchRate, c.FetchBurst)
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("invalid BREAKER_THRESHOLD %d: must be at least 1", c.BreakerThreshold)
	}
	return nil
}

// DSN returns the connection string for the SQL backends.
func (c *Config) DSN() string {
	if c.StoreBackend == BackendPostgres {
		return c.DatabaseURL
	}
	return c.DatabasePath
}

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
