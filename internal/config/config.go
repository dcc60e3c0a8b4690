package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	NumWorkers  int
	LogLevel    slog.Level

	// UpstreamRelays are synced in list order.
	UpstreamRelays []string
	// CacheRelayURL is the public address of the local cache-relay.
	CacheRelayURL string
	QueryTimeout  time.Duration
	// SyncInterval of zero disables the scheduler.
	SyncInterval time.Duration

	Windows         Windows
	BackfillWindows Windows

	// WritePolicyCmd, when set, runs as the external write-policy hook.
	WritePolicyCmd string
	// ReqRateLimit is REQ frames per second per cache-relay client.
	ReqRateLimit int
}

// Windows are the trailing day counts of the time-bounded sync filters.
type Windows struct {
	ArticleDays  int
	ReplyDays    int
	DeletionDays int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		RedisURL:       getEnv("REDIS_URL", ""),
		NumWorkers:     getEnvInt("NUM_WORKERS", 1),
		UpstreamRelays: getEnvList("UPSTREAM_RELAYS", nil),
		CacheRelayURL:  getEnv("CACHE_RELAY_URL", ""),
		QueryTimeout:   getEnvDuration("QUERY_TIMEOUT", 15*time.Second),
		SyncInterval:   getEnvDuration("SYNC_INTERVAL", 15*time.Minute),
		Windows: Windows{
			ArticleDays:  getEnvInt("SYNC_ARTICLE_DAYS", 7),
			ReplyDays:    getEnvInt("SYNC_REPLY_DAYS", 3),
			DeletionDays: getEnvInt("SYNC_DELETION_DAYS", 30),
		},
		WritePolicyCmd: getEnv("WRITE_POLICY_CMD", ""),
		ReqRateLimit:   getEnvInt("REQ_RATE_LIMIT", 0),
	}
	cfg.BackfillWindows = Windows{
		ArticleDays:  getEnvInt("BACKFILL_ARTICLE_DAYS", 90),
		ReplyDays:    getEnvInt("BACKFILL_REPLY_DAYS", 30),
		DeletionDays: cfg.Windows.DeletionDays,
	}

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	if cfg.NumWorkers < 1 {
		return nil, fmt.Errorf("NUM_WORKERS must be at least 1, got %d", cfg.NumWorkers)
	}
	if cfg.QueryTimeout <= 0 {
		return nil, fmt.Errorf("QUERY_TIMEOUT must be positive, got %s", cfg.QueryTimeout)
	}

	return cfg, nil
}

// RequireStorage fails unless both PostgreSQL and Redis are configured.
func (c *Config) RequireStorage() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
