// Package idle defines the user-idle collaborator the Authorization
// Engine (C2) consults when a tool's policy sets requires_idle. Detecting
// idle time is inherently OS-specific; the fabric core stays abstract and
// ships only a trivial static/env-driven default.
package idle

import (
	"os"
	"strconv"
	"sync"
	"time"
)

// Checker reports whether the user is currently idle. The first return
// value is the idle state; the second is false when idle state could not
// be determined, in which case the caller must treat the user as NOT idle
// (never block a tool call on an unknown idle state).
type Checker interface {
	IsUserIdle() (idle bool, ok bool)
}

// StaticChecker is a Checker whose answer is fixed at construction or
// updated manually — useful for tests and for operators who don't want an
// OS-level idle probe wired in.
type StaticChecker struct {
	mu   sync.Mutex
	idle bool
}

// NewStatic builds a StaticChecker starting in the given state.
func NewStatic(idle bool) *StaticChecker {
	return &StaticChecker{idle: idle}
}

// Set updates the reported idle state.
func (c *StaticChecker) Set(idle bool) {
	c.mu.Lock()
	c.idle = idle
	c.mu.Unlock()
}

// IsUserIdle implements Checker.
func (c *StaticChecker) IsUserIdle() (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle, true
}

// EnvChecker reads FABRIC_USER_IDLE_SINCE, an RFC3339 timestamp of the last
// observed user activity, and reports idle once threshold has elapsed
// since then — an environment-driven stand-in for an OS idle probe
// (xprintidle/xdotool/D-Bus), which the core does not shell out to (doing
// so would bypass the Sandboxed Executor's argv/blocklist/redaction path
// for a collaborator call, not a tool invocation).
type EnvChecker struct {
	threshold time.Duration
	now       func() time.Time
}

// NewEnvChecker builds an EnvChecker with the given idle threshold.
func NewEnvChecker(threshold time.Duration) *EnvChecker {
	return &EnvChecker{threshold: threshold, now: time.Now}
}

// IsUserIdle implements Checker. It returns ok=false (assume not idle) when
// FABRIC_USER_IDLE_SINCE is unset or unparseable, mirroring the original
// idle-detection service's "can't determine idle time, assume not idle"
// fallback.
func (c *EnvChecker) IsUserIdle() (bool, bool) {
	v := os.Getenv("FABRIC_USER_IDLE_SINCE")
	if v == "" {
		return false, false
	}
	since, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return false, false
	}
	return c.now().Sub(since) >= c.threshold, true
}

// envDuration parses a positive whole number of seconds from the named
// environment variable, falling back when it is unset or invalid, mirroring the original's
// configurable idle_threshold_seconds.
func envDuration(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// ThresholdFromEnv reads FABRIC_IDLE_THRESHOLD_SEC, defaulting to 5
// minutes, matching the original's default idle_threshold_seconds.
func ThresholdFromEnv() time.Duration {
	return envDuration("FABRIC_IDLE_THRESHOLD_SEC", 5*time.Minute)
}
