package app

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("unexpected default addr: %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected default log level: %q", cfg.LogLevel)
	}
	if cfg.ReadTimeout != 0 {
		t.Fatalf("read timeout must default to 0 to keep streams alive, got %v", cfg.ReadTimeout)
	}
	if cfg.ReplayMaxEvents <= 0 || cfg.ReplayMaxAge <= 0 {
		t.Fatalf("replay window defaults must be positive: %d %v", cfg.ReplayMaxEvents, cfg.ReplayMaxAge)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("TETHER_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("TETHER_SQLITE_PATH", "/tmp/tether-test.db")
	t.Setenv("TETHER_REPLAY_MAX_EVENTS", "123")
	t.Setenv("TETHER_REPLAY_MAX_AGE", "90s")
	t.Setenv("TETHER_AUTH_TOKEN_HASH", "$argon2id$stub")

	cfg := LoadConfig()
	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("addr override ignored: %q", cfg.HTTPAddr)
	}
	if cfg.SQLitePath != "/tmp/tether-test.db" {
		t.Fatalf("sqlite path override ignored: %q", cfg.SQLitePath)
	}
	if cfg.ReplayMaxEvents != 123 || cfg.ReplayMaxAge != 90*time.Second {
		t.Fatalf("replay overrides ignored: %d %v", cfg.ReplayMaxEvents, cfg.ReplayMaxAge)
	}
	if cfg.AuthTokenHash == "" {
		t.Fatalf("auth token hash override ignored")
	}
}
