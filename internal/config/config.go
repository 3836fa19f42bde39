// Package config loads engine configuration from DUKA_-prefixed environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds every tunable of the sync engine and its local API.
type Config struct {
	// DataDir is where the SQLite mirror lives.
	DataDir string
	// ListenAddr is the local API bind address. Localhost only.
	ListenAddr string

	// RemoteBaseURL is the sync authority, e.g. https://sync.example.com.
	RemoteBaseURL string
	// DeviceID identifies this terminal to the authority. When empty, a
	// generated id is persisted under DataDir on first run.
	DeviceID string
	// APIToken authenticates against the authority.
	APIToken string
	// RequestTimeout bounds every remote call.
	RequestTimeout time.Duration

	// SyncInterval is how often a full cycle runs while online.
	SyncInterval time.Duration
	// ProbeInterval is how often connectivity is probed while offline.
	ProbeInterval time.Duration
	// PushBatchLimit caps the number of mutations drained per push.
	PushBatchLimit int
	// RetryCap is the number of attempts before a mutation needs an operator.
	RetryCap int

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// Load reads the configuration from the environment. RemoteBaseURL is the
// only required variable.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.DataDir = getEnvDefault("DUKA_DATA_DIR", "./data")
	cfg.ListenAddr = getEnvDefault("DUKA_LISTEN_ADDR", "127.0.0.1:8790")

	cfg.RemoteBaseURL = os.Getenv("DUKA_REMOTE_URL")
	if cfg.RemoteBaseURL == "" {
		return nil, fmt.Errorf("DUKA_REMOTE_URL: required")
	}
	cfg.DeviceID = os.Getenv("DUKA_DEVICE_ID")
	cfg.APIToken = os.Getenv("DUKA_API_TOKEN")

	cfg.RequestTimeout, err = getEnvDuration("DUKA_REQUEST_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DUKA_REQUEST_TIMEOUT: %w", err)
	}

	cfg.SyncInterval, err = getEnvDuration("DUKA_SYNC_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DUKA_SYNC_INTERVAL: %w", err)
	}
	cfg.ProbeInterval, err = getEnvDuration("DUKA_PROBE_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DUKA_PROBE_INTERVAL: %w", err)
	}

	cfg.PushBatchLimit, err = getEnvInt("DUKA_PUSH_BATCH_LIMIT", 200)
	if err != nil {
		return nil, fmt.Errorf("DUKA_PUSH_BATCH_LIMIT: %w", err)
	}
	if cfg.PushBatchLimit < 1 {
		return nil, fmt.Errorf("DUKA_PUSH_BATCH_LIMIT: must be at least 1, got %d", cfg.PushBatchLimit)
	}

	cfg.RetryCap, err = getEnvInt("DUKA_RETRY_CAP", 8)
	if err != nil {
		return nil, fmt.Errorf("DUKA_RETRY_CAP: %w", err)
	}
	if cfg.RetryCap < 1 {
		return nil, fmt.Errorf("DUKA_RETRY_CAP: must be at least 1, got %d", cfg.RetryCap)
	}

	cfg.LogLevel = getEnvDefault("DUKA_LOG_LEVEL", "info")
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("DUKA_LOG_LEVEL: invalid level %q, expected debug, info, warn or error", cfg.LogLevel)
	}

	return cfg, nil
}

func getEnvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", value)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return d, nil
}
