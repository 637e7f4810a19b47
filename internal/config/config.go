// Package config loads the broker's JSON configuration file and the
// endpoint agent's TOML runtime configuration, both with environment
// variable overrides layered on top of file values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the broker process's full configuration.
type Config struct {
	Server      ServerConfig      `json:"server"`
	MQTT        MQTTConfig        `json:"mqtt"`
	Audit       AuditConfig       `json:"audit"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

// ServerConfig covers the broker's HTTP/WebSocket listener and caller auth.
type ServerConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	LogLevel  string `json:"logLevel"`
	JWTSecret string `json:"jwtSecret,omitempty"`
}

// MQTTConfig points at the operational event-bus broker. Host empty means
// the event bus is disabled.
type MQTTConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port"`
	ClientID string `json:"clientId"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// AuditConfig locates the audit log's flat-file and sqlite mirror storage.
type AuditConfig struct {
	DataDir string `json:"dataDir"`
}

// MaintenanceConfig tunes the background housekeeping scheduler.
type MaintenanceConfig struct {
	RetainDays int `json:"retainDays"`
}

// BrokerURL returns the MQTT broker's "tcp://host:port" form, or "" if the
// event bus is disabled.
func (m MQTTConfig) BrokerURL() string {
	if m.Host == "" {
		return ""
	}
	return fmt.Sprintf("tcp://%s:%d", m.Host, m.Port)
}

// DefaultConfig returns the broker's defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     8420,
			LogLevel: "info",
		},
		MQTT: MQTTConfig{
			Port:     1883,
			ClientID: "toolfabric-broker",
		},
		Audit: AuditConfig{
			DataDir: "./data/audit",
		},
		Maintenance: MaintenanceConfig{
			RetainDays: 30,
		},
	}
}

// Load reads the broker config from a JSON file, starting from
// DefaultConfig so a partial file still yields sensible values, then
// applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := os.MkdirAll(cfg.Audit.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides layers FABRIC_* environment variables over file values,
// per SPEC_FULL.md §6's "environment variables (broker)" surface.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FABRIC_HOST"); v != "" {
		c.Server.Host = v
	}
	if v, ok := envInt("FABRIC_PORT"); ok {
		c.Server.Port = v
	}
	if v := os.Getenv("FABRIC_JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := os.Getenv("FABRIC_MQTT_HOST"); v != "" {
		c.MQTT.Host = v
	}
	if v, ok := envInt("FABRIC_MQTT_PORT"); ok {
		c.MQTT.Port = v
	}
	if v := os.Getenv("FABRIC_AUDIT_DIR"); v != "" {
		c.Audit.DataDir = v
	}
}

// Save writes the config back to a JSON file, creating its directory if
// needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}
