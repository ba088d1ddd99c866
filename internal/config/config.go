package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures the runtime configuration for the CreatorSync client.
type Config struct {
	ServerURL         string
	SessionToken      string
	SessionCookieName string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	RequestBurst      int
	CachePath         string
	MaxMediaBytes     int64
	LogLevel          string
	Export            ObjectStoreConfig
}

// ObjectStoreConfig describes the bucket chat transcripts are exported to.
type ObjectStoreConfig struct {
	Bucket        string
	Region        string
	Endpoint      string
	PublicBaseURL string
}

// DefaultMaxMediaBytes is the largest media file accepted for a chat upload.
const DefaultMaxMediaBytes = 10_000_000

// Load reads configuration from environment variables, applying sensible defaults
// for local development. A .env file in the working directory is honoured when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ServerURL:         strings.TrimSuffix(getString("CREATORSYNC_SERVER_URL", "http://localhost:3000"), "/"),
		SessionToken:      getString("CREATORSYNC_SESSION_TOKEN", ""),
		SessionCookieName: getString("CREATORSYNC_SESSION_COOKIE", "token"),
		RequestTimeout:    getDuration("CREATORSYNC_REQUEST_TIMEOUT", 15*time.Second),
		RequestsPerSecond: getFloat("CREATORSYNC_RATE_LIMIT_RPS", 10),
		RequestBurst:      getInt("CREATORSYNC_RATE_LIMIT_BURST", 5),
		CachePath:         getString("CREATORSYNC_CACHE_PATH", "creatorsync.db"),
		MaxMediaBytes:     int64(getInt("CREATORSYNC_MAX_MEDIA_BYTES", DefaultMaxMediaBytes)),
		LogLevel:          getString("CREATORSYNC_LOG_LEVEL", "info"),
		Export: ObjectStoreConfig{
			Bucket:        getString("CREATORSYNC_EXPORT_BUCKET", ""),
			Region:        getString("CREATORSYNC_EXPORT_REGION", "us-east-1"),
			Endpoint:      getString("CREATORSYNC_EXPORT_ENDPOINT", ""),
			PublicBaseURL: getString("CREATORSYNC_EXPORT_PUBLIC_URL", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the client cannot run with.
func (c Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("config: server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: server url %q must be http or https", c.ServerURL)
	}
	if u.Host == "" {
		return fmt.Errorf("config: server url %q has no host", c.ServerURL)
	}
	if c.RequestsPerSecond <= 0 {
		return errors.New("config: rate limit must be positive")
	}
	if c.RequestBurst <= 0 {
		return errors.New("config: rate limit burst must be positive")
	}
	if c.MaxMediaBytes <= 0 {
		return errors.New("config: max media bytes must be positive")
	}
	return nil
}

func getString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return i
}

func getFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
