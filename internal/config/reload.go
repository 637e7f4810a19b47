package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string
	Applied []string
	Skipped []string
}

// mu protects Config fields shared between the broker's main goroutine and
// a background Watcher during a reload.
var mu sync.RWMutex

// RLock acquires a read lock on the config.
func RLock() { mu.RLock() }

// RUnlock releases a read lock on the config.
func RUnlock() { mu.RUnlock() }

// Reload re-reads the config from path and applies hot-reloadable fields in
// place. Server.Host, Server.Port and Audit.DataDir require a process
// restart to take effect and are reported as skipped rather than applied.
func (c *Config) Reload(path string) (*ReloadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config for reload: %w", err)
	}

	next := DefaultConfig()
	if err := json.Unmarshal(data, next); err != nil {
		return nil, fmt.Errorf("parse config for reload: %w", err)
	}
	next.applyEnvOverrides()

	result := &ReloadResult{}

	mu.Lock()
	defer mu.Unlock()

	if c.Server.Host != next.Server.Host {
		result.Changed = append(result.Changed, "Server.Host")
		result.Skipped = append(result.Skipped, "Server.Host (requires restart)")
	}
	if c.Server.Port != next.Server.Port {
		result.Changed = append(result.Changed, "Server.Port")
		result.Skipped = append(result.Skipped, "Server.Port (requires restart)")
	}
	if c.Audit.DataDir != next.Audit.DataDir {
		result.Changed = append(result.Changed, "Audit.DataDir")
		result.Skipped = append(result.Skipped, "Audit.DataDir (requires restart)")
	}

	if c.Server.LogLevel != next.Server.LogLevel {
		result.Changed = append(result.Changed, "Server.LogLevel")
		c.Server.LogLevel = next.Server.LogLevel
		result.Applied = append(result.Applied, "Server.LogLevel")
	}
	if c.MQTT != next.MQTT {
		result.Changed = append(result.Changed, "MQTT")
		c.MQTT = next.MQTT
		result.Applied = append(result.Applied, "MQTT")
	}
	if c.Maintenance != next.Maintenance {
		result.Changed = append(result.Changed, "Maintenance")
		c.Maintenance = next.Maintenance
		result.Applied = append(result.Applied, "Maintenance")
	}

	return result, nil
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}
	logger.Info("config reload complete", "changed", len(r.Changed), "applied", len(r.Applied), "skipped", len(r.Skipped))
	for _, field := range r.Applied {
		logger.Info("config field hot-reloaded", "field", field)
	}
	for _, field := range r.Skipped {
		logger.Warn("config field requires restart", "field", field)
	}
}
