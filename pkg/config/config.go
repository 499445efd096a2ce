// Package config loads orchestrator settings from environment variables,
// with an optional YAML profile overlay for per-deployment tuning.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects the Postgres backend; SQLitePath the embedded one.
	// When both are empty the store is in-memory.
	DatabaseURL string
	SQLitePath  string

	MaxRetries     int
	LockTimeout    time.Duration
	AllowReopen    bool
	SchemaVersions string
	AllowedAgents  []string

	RedisAddr string
	JWTSecret string

	RateRPS   int
	RateBurst int

	OTLPEndpoint string
	OTLPEnabled  bool
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getenv("PORT", "8080"),
		LogLevel:       getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		SQLitePath:     os.Getenv("SQLITE_PATH"),
		SchemaVersions: getenv("AXM_SCHEMA_VERSIONS", ">=1.0.0 <2.0.0"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		JWTSecret:      os.Getenv("AXM_JWT_SECRET"),
		OTLPEndpoint:   getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPEnabled:    os.Getenv("OTEL_ENABLED") == "true",
		AllowReopen:    os.Getenv("AXM_ALLOW_REOPEN") == "true",
	}

	var err error
	if cfg.MaxRetries, err = getenvInt("AXM_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.RateRPS, err = getenvInt("AXM_RATE_RPS", 50); err != nil {
		return nil, err
	}
	if cfg.RateBurst, err = getenvInt("AXM_RATE_BURST", 100); err != nil {
		return nil, err
	}

	if raw := os.Getenv("AXM_LOCK_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("AXM_LOCK_TIMEOUT %q: %w", raw, err)
		}
		cfg.LockTimeout = d
	} else {
		cfg.LockTimeout = 5 * time.Second
	}

	if raw := os.Getenv("AXM_ALLOWED_AGENTS"); raw != "" {
		for _, a := range strings.Split(raw, ",") {
			if a = strings.TrimSpace(a); a != "" {
				cfg.AllowedAgents = append(cfg.AllowedAgents, a)
			}
		}
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", key, raw, err)
	}
	return v, nil
}
