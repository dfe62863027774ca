package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Hostname is the public hostname where this service is reachable (used for did:web).
	Hostname string

	// Port is the HTTP server port.
	Port int

	// PublisherDID is the DID of the account that published the feed generator record.
	PublisherDID string

	// FeedName is the record key of the feed generator record.
	FeedName string

	// DatabasePath is the SQLite database file.
	DatabasePath string

	// FirehoseURL is the Jetstream WebSocket endpoint.
	FirehoseURL string

	// MembersFile is an optional YAML file listing member DIDs.
	MembersFile string

	// Members are member DIDs given inline via FEEDGEN_MEMBERS.
	Members []string

	// AdminToken guards the admin endpoints. Empty disables them.
	AdminToken string

	// ReconnectDelay and MaxReconnectDelay bound the firehose reconnect backoff.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// BatchSize and FlushInterval control how often batches are committed.
	BatchSize     int
	FlushInterval time.Duration

	// StoreRetries bounds retries of a failed batch write. Defaults to 3 when
	// FEEDGEN_STORE_RETRIES is unset; 0 disables retries.
	StoreRetries int

	// MaxLimit caps getFeedSkeleton page sizes.
	MaxLimit int

	// QueryTimeout bounds each HTTP request's store access.
	QueryTimeout time.Duration

	// RetentionCron schedules the cleanup job. Empty disables retention.
	RetentionCron    string
	RetentionMaxAge  time.Duration
	RetentionMaxRows int

	// LogLevel is the minimum slog level.
	LogLevel slog.Level
}

// ServiceDID returns the did:web for this feed generator based on the hostname.
func (c *Config) ServiceDID() string {
	return "did:web:" + c.Hostname
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is loaded first when
// present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	publisherDID := os.Getenv("FEEDGEN_PUBLISHER_DID")
	if publisherDID == "" {
		return nil, fmt.Errorf("FEEDGEN_PUBLISHER_DID is required")
	}

	cfg := &Config{
		Hostname:      envOrDefault("FEEDGEN_HOSTNAME", "localhost"),
		PublisherDID:  publisherDID,
		FeedName:      envOrDefault("FEEDGEN_FEED_NAME", "members"),
		DatabasePath:  envOrDefault("FEEDGEN_DATABASE_PATH", "feedgen.db"),
		FirehoseURL:   envOrDefault("FEEDGEN_FIREHOSE_URL", "wss://jetstream1.us-east.bsky.network/subscribe"),
		MembersFile:   os.Getenv("FEEDGEN_MEMBERS_FILE"),
		Members:       splitList(os.Getenv("FEEDGEN_MEMBERS")),
		AdminToken:    os.Getenv("FEEDGEN_ADMIN_TOKEN"),
		RetentionCron: os.Getenv("FEEDGEN_RETENTION_CRON"),
	}

	var err error
	if cfg.Port, err = intEnv("PORT", 3000); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = intEnv("FEEDGEN_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.StoreRetries, err = intEnv("FEEDGEN_STORE_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.MaxLimit, err = intEnv("FEEDGEN_MAX_LIMIT", 100); err != nil {
		return nil, err
	}
	if cfg.RetentionMaxRows, err = intEnv("FEEDGEN_RETENTION_MAX_ROWS", 0); err != nil {
		return nil, err
	}
	if cfg.ReconnectDelay, err = durationEnv("FEEDGEN_RECONNECT_DELAY", time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxReconnectDelay, err = durationEnv("FEEDGEN_MAX_RECONNECT_DELAY", time.Minute); err != nil {
		return nil, err
	}
	if cfg.FlushInterval, err = durationEnv("FEEDGEN_FLUSH_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.QueryTimeout, err = durationEnv("FEEDGEN_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetentionMaxAge, err = durationEnv("FEEDGEN_RETENTION_MAX_AGE", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(envOrDefault("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	if cfg.StoreRetries < 0 {
		return nil, fmt.Errorf("FEEDGEN_STORE_RETRIES must not be negative")
	}
	if cfg.MaxLimit < 1 {
		return nil, fmt.Errorf("FEEDGEN_MAX_LIMIT must be positive")
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
