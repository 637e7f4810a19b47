package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// EndpointConfig is the endpoint agent's non-identity runtime settings
// (device.id and auth.json carry identity and are never folded in here).
type EndpointConfig struct {
	BrokerURL          string `toml:"broker_url"`
	LogLevel           string `toml:"log_level"`
	RateLimitWindowSec int    `toml:"rate_limit_window_sec"`
	DefaultTimeoutSec  int    `toml:"default_timeout_sec"`
	MaxOutputBytes     int    `toml:"max_output_bytes"`
}

// DefaultEndpointConfig returns the endpoint agent's defaults.
func DefaultEndpointConfig() *EndpointConfig {
	return &EndpointConfig{
		BrokerURL:          "wss://localhost:8420",
		LogLevel:           "info",
		RateLimitWindowSec: 60,
		DefaultTimeoutSec:  30,
		MaxOutputBytes:     65536,
	}
}

// LoadEndpointConfig reads endpoint.toml from path, starting from
// DefaultEndpointConfig so a partial or missing file still yields usable
// values, then applies environment variable overrides.
func LoadEndpointConfig(path string) (*EndpointConfig, error) {
	cfg := DefaultEndpointConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		cfg.applyEnvOverrides()
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("read endpoint config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse endpoint config: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides layers environment variables over file values, per
// SPEC_FULL.md §6's "environment variables (endpoint)" surface.
func (c *EndpointConfig) applyEnvOverrides() {
	if v := os.Getenv("FABRIC_BROKER_URL"); v != "" {
		c.BrokerURL = v
	}
	if v := os.Getenv("FABRIC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v, ok := envInt("FABRIC_RATE_LIMIT_WINDOW_SEC"); ok {
		c.RateLimitWindowSec = v
	}
	if v, ok := envInt("FABRIC_COMMAND_TIMEOUT_SEC"); ok {
		c.DefaultTimeoutSec = v
	}
	if v, ok := envInt("FABRIC_MAX_OUTPUT_BYTES"); ok {
		c.MaxOutputBytes = v
	}
}

// Save writes the endpoint config back to endpoint.toml, mode 0640 per
// SPEC_FULL.md §6's persisted state layout.
func (c *EndpointConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("open endpoint config: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode endpoint config: %w", err)
	}
	return nil
}
