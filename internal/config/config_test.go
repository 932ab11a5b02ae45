package config

import (
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"ENV", "DB_DSN", "REALTIME_URL", "CACHE_MAX_CONVERSATIONS", "CACHE_MAX_MESSAGES", "TELEMETRY_MAX_SAMPLES"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if !cfg.IsDevelopment() {
		t.Fatalf("Env = %q", cfg.Env)
	}
	if cfg.CacheMaxConversations != 50 || cfg.CacheMaxMessages != 100 || cfg.TelemetryMaxSamples != 100 {
		t.Fatalf("bounds = %d/%d/%d", cfg.CacheMaxConversations, cfg.CacheMaxMessages, cfg.TelemetryMaxSamples)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CACHE_MAX_CONVERSATIONS", "5")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.CacheMaxConversations != 5 || cfg.RedisAddr != "redis:6379" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	for _, v := range []string{"lots", "0", "-3"} {
		t.Setenv("CACHE_MAX_MESSAGES", v)
		if _, err := Load(); err == nil || !strings.Contains(err.Error(), "CACHE_MAX_MESSAGES") {
			t.Fatalf("value %q: err = %v", v, err)
		}
	}
}

func TestProductionNeedsBackend(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DB_DSN", "")
	t.Setenv("REALTIME_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error without a backend")
	}
}
