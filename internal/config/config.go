package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the sync client and its tools.
type Config struct {
	Env      string
	LogLevel string

	// Backend. Empty values fall back to the in-process backend.
	DatabaseDSN string
	RedisAddr   string
	RealtimeURL string
	AccessToken string
	JWTSecret   string

	// Cache and telemetry bounds
	CacheMaxConversations int
	CacheMaxMessages      int
	TelemetryMaxSamples   int

	// DiagnosticsAddr serves /health, /stats and /metrics when set.
	DiagnosticsAddr string
}

// Load reads configuration from environment variables, after loading a
// .env file if one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:             getEnv("ENV", "development"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		DatabaseDSN:     os.Getenv("DB_DSN"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RealtimeURL:     os.Getenv("REALTIME_URL"),
		AccessToken:     os.Getenv("ACCESS_TOKEN"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		DiagnosticsAddr: os.Getenv("DIAGNOSTICS_ADDR"),
	}

	var err error
	if cfg.CacheMaxConversations, err = getInt("CACHE_MAX_CONVERSATIONS", 50); err != nil {
		return nil, err
	}
	if cfg.CacheMaxMessages, err = getInt("CACHE_MAX_MESSAGES", 100); err != nil {
		return nil, err
	}
	if cfg.TelemetryMaxSamples, err = getInt("TELEMETRY_MAX_SAMPLES", 100); err != nil {
		return nil, err
	}

	if cfg.Env == "production" && cfg.DatabaseDSN == "" && cfg.RealtimeURL == "" {
		return nil, fmt.Errorf("DB_DSN or REALTIME_URL is required in production")
	}
	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, value)
	}
	return n, nil
}
