package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/VanDung-dev/PeerHub-Engine/wire"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
	if cfg.HandshakeTimeout() != 10*time.Second {
		t.Errorf("Expected 10s handshake timeout, got %v", cfg.HandshakeTimeout())
	}
}

func TestLoadKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peerhub.json")
	data := []byte(`{"name": "lobby", "port": 4400, "compression": "zstd"}`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := DefaultConfig()
	want.Name = "lobby"
	want.Port = 4400
	want.Compression = "zstd"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for a missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected error for malformed JSON")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PEERHUB_NAME", "env-hub")
	t.Setenv("PEERHUB_PORT", "4500")
	t.Setenv("PEERHUB_WORKERS", "3")
	t.Setenv("PEERHUB_COMPRESSION", "s2")
	t.Setenv("PEERHUB_LOG_LEVEL", "debug")
	t.Setenv("PEERHUB_AUTH_ENABLED", "1")
	t.Setenv("PEERHUB_AUTH_TOKEN", "secret")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.Name != "env-hub" || cfg.Port != 4500 || cfg.Workers != 3 {
		t.Errorf("Unexpected overrides: %+v", cfg)
	}
	if !cfg.AuthEnabled || cfg.AuthToken != "secret" {
		t.Errorf("Auth overrides not applied: %+v", cfg)
	}
	if cfg.Level() != zerolog.DebugLevel {
		t.Errorf("Expected debug level, got %v", cfg.Level())
	}

	opts, err := cfg.WireOptions()
	if err != nil {
		t.Fatalf("WireOptions failed: %v", err)
	}
	if opts.Compression != wire.CompressionS2 {
		t.Errorf("Expected s2 compression, got %v", opts.Compression)
	}
}

func TestApplyEnvRejectsBadNumber(t *testing.T) {
	t.Setenv("PEERHUB_PORT", "eighty")
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty name", func(c *Config) { c.Name = " " }},
		{"port range", func(c *Config) { c.Port = 70000 }},
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"no queue", func(c *Config) { c.OutboundQueue = 0 }},
		{"tiny frames", func(c *Config) { c.MaxFrameSize = 10 }},
		{"bad format", func(c *Config) { c.Format = "xml" }},
		{"bad compression", func(c *Config) { c.Compression = "lz4" }},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }},
		{"auth without token", func(c *Config) { c.AuthEnabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
