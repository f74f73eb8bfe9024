package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://localhost:5173" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.Match.PollInterval != 2*time.Second {
		t.Errorf("Match.PollInterval = %v, want 2s", cfg.Match.PollInterval)
	}
	if cfg.Match.Policy != "skills_then_any" {
		t.Errorf("Match.Policy = %q", cfg.Match.Policy)
	}
	if cfg.Media.PollAttempts != 100 {
		t.Errorf("Media.PollAttempts = %d, want 100", cfg.Media.PollAttempts)
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("BUS_DRIVER", "memory")
	t.Setenv("MATCH_FALLBACK_AFTER", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "9090" || cfg.Redis.Host != "cache" || cfg.BusDriver != "memory" {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.Match.FallbackAfter != 5*time.Second {
		t.Errorf("FallbackAfter = %v, want 5s", cfg.Match.FallbackAfter)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	yaml := "port: \"7070\"\nmatch:\n  policy: any\nice_servers:\n  - stun:one\n  - stun:two\n"
	if err := os.WriteFile(file, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", file)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "7070" || cfg.Match.Policy != "any" {
		t.Errorf("file not applied: port=%q policy=%q", cfg.Port, cfg.Match.Policy)
	}
	if len(cfg.ICEServers) != 2 {
		t.Errorf("ICEServers = %v", cfg.ICEServers)
	}
}

func TestLoadRejectsUnknownPolicy(t *testing.T) {
	t.Setenv("MATCH_POLICY", "elo")
	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted unknown policy")
	}
}
