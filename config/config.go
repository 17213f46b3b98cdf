// Package config loads hub and client settings from a JSON file and
// PEERHUB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/VanDung-dev/PeerHub-Engine/wire"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the settings of one PeerHub process.
type Config struct {
	Name    string `json:"name"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Workers int    `json:"workers"`

	Format               string `json:"format"`
	Compression          string `json:"compression"`
	CompressionThreshold int    `json:"compression_threshold"`
	MaxFrameSize         int    `json:"max_frame_size"`

	OutboundQueue      int `json:"outbound_queue"`
	HandshakeTimeoutMs int `json:"handshake_timeout_ms"`
	MaxNodes           int `json:"max_nodes"`

	MetricsAddr    string `json:"metrics_addr"`
	EventsEndpoint string `json:"events_endpoint"`
	LogLevel       string `json:"log_level"`

	AuthEnabled bool   `json:"auth_enabled"`
	AuthToken   string `json:"auth_token"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:                 "hub",
		Host:                 "0.0.0.0",
		Port:                 3300,
		Workers:              8,
		Format:               "proto",
		Compression:          "none",
		CompressionThreshold: 1024,
		MaxFrameSize:         wire.DefaultMaxFrameSize,
		OutboundQueue:        256,
		HandshakeTimeoutMs:   10000,
		LogLevel:             "info",
	}
}

// Load reads path over the defaults. Fields missing from the file keep
// their default value.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PEERHUB_* variables that are set.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, key, v)
		}
		*dst = n
		return nil
	}

	str("PEERHUB_NAME", &c.Name)
	str("PEERHUB_HOST", &c.Host)
	str("PEERHUB_FORMAT", &c.Format)
	str("PEERHUB_COMPRESSION", &c.Compression)
	str("PEERHUB_METRICS_ADDR", &c.MetricsAddr)
	str("PEERHUB_EVENTS_ENDPOINT", &c.EventsEndpoint)
	str("PEERHUB_LOG_LEVEL", &c.LogLevel)
	str("PEERHUB_AUTH_TOKEN", &c.AuthToken)

	if v, ok := os.LookupEnv("PEERHUB_AUTH_ENABLED"); ok {
		c.AuthEnabled = v == "true" || v == "1"
	}

	for key, dst := range map[string]*int{
		"PEERHUB_PORT":      &c.Port,
		"PEERHUB_WORKERS":   &c.Workers,
		"PEERHUB_MAX_NODES": &c.MaxNodes,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidConfig)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be positive", ErrInvalidConfig)
	}
	if c.OutboundQueue < 1 {
		return fmt.Errorf("%w: outbound_queue must be positive", ErrInvalidConfig)
	}
	if c.MaxFrameSize < 64 {
		return fmt.Errorf("%w: max_frame_size %d too small", ErrInvalidConfig, c.MaxFrameSize)
	}
	if c.MaxNodes < 0 {
		return fmt.Errorf("%w: max_nodes must not be negative", ErrInvalidConfig)
	}
	if _, err := c.WireOptions(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	if c.AuthEnabled && c.AuthToken == "" {
		return fmt.Errorf("%w: auth enabled without a token", ErrInvalidConfig)
	}
	return nil
}

// WireOptions converts the codec settings.
func (c Config) WireOptions() (wire.Options, error) {
	format, err := wire.ParseFormat(c.Format)
	if err != nil {
		return wire.Options{}, err
	}
	compression, err := wire.ParseCompression(c.Compression)
	if err != nil {
		return wire.Options{}, err
	}
	return wire.Options{
		Format:               format,
		Compression:          compression,
		CompressionThreshold: c.CompressionThreshold,
		MaxFrameSize:         c.MaxFrameSize,
	}, nil
}

// HandshakeTimeout returns the hello exchange bound.
func (c Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

// Level returns the configured log level, info if unparsable.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
