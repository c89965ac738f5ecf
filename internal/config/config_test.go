package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tally.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	t.Setenv("TALLY_JWT_SECRET", "secret")
	t.Setenv("TALLY_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Path != "data/tally.db" {
		t.Errorf("db path = %q", cfg.Database.Path)
	}
	if time.Duration(cfg.Auth.TokenTTL) != 30*24*time.Hour {
		t.Errorf("token ttl = %v, want 720h", time.Duration(cfg.Auth.TokenTTL))
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("log = %q/%q, want info/json", cfg.Log.Level, cfg.Log.Format)
	}
}

func TestYAMLOverridesDefaults(t *testing.T) {
	t.Setenv("TALLY_JWT_SECRET", "secret")
	path := writeConfig(t, `
server:
  port: 9090
  read_timeout: 10s
database:
  path: /tmp/other.db
log:
  level: debug
  format: text
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if time.Duration(cfg.Server.ReadTimeout) != 10*time.Second {
		t.Errorf("read timeout = %v, want 10s", time.Duration(cfg.Server.ReadTimeout))
	}
	if cfg.Database.Path != "/tmp/other.db" {
		t.Errorf("db path = %q", cfg.Database.Path)
	}
	// untouched keys keep their defaults
	if time.Duration(cfg.Server.WriteTimeout) != 30*time.Second {
		t.Errorf("write timeout = %v, want default 30s", time.Duration(cfg.Server.WriteTimeout))
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	t.Setenv("TALLY_JWT_SECRET", "secret")
	t.Setenv("TALLY_PORT", "7070")
	t.Setenv("TALLY_LOG_LEVEL", "warn")
	path := writeConfig(t, `
server:
  port: 9090
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %q, want warn", cfg.Log.Level)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"empty db path", func(c *Config) { c.Database.Path = "" }},
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"zero ttl", func(c *Config) { c.Auth.TokenTTL = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newDefaults()
			cfg.Auth.JWTSecret = "secret"
			tt.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSecretNeverReadFromYAML(t *testing.T) {
	t.Setenv("TALLY_JWT_SECRET", "")
	path := writeConfig(t, `
auth:
  jwt_secret: sneaky
  token_ttl: 1h
`)

	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error: secret must come from the environment")
	}
}

func TestInvalidDuration(t *testing.T) {
	t.Setenv("TALLY_JWT_SECRET", "secret")
	path := writeConfig(t, `
server:
  read_timeout: not-a-duration
`)

	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected parse error for invalid duration")
	}
}
