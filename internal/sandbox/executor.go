// Package sandbox implements the Sandboxed Executor (C3): named-tool
// execution with JSON-Schema argument validation, and raw-command
// execution behind a blocklist, shell-free argv parsing, output
// redaction/truncation, and rate limiting.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"time"

	"github.com/clawinfra/toolfabric/internal/types"
)

// ErrRoleFloor is returned when a caller below HUMAN_AGENT attempts raw
// command execution — a requirement in addition to the blocklist
// (SPEC_FULL.md §4.3, Open Question resolved in DESIGN.md).
var ErrRoleFloor = errors.New("raw command execution requires human_agent or higher")

// RawCommandMinRole is the role floor for execute_raw regardless of any
// tool policy — the blocklist alone is not sufficient defense.
const RawCommandMinRole = types.RoleHumanAgent

// Limits bounds a single executor's resource usage.
type Limits struct {
	MaxOutputBytes  int
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// DefaultLimits matches the original source's 2000-character command cap
// spirit, applied to output instead (the command length cap is enforced
// separately by the caller framing layer).
func DefaultLimits() Limits {
	return Limits{
		MaxOutputBytes:  64 * 1024,
		RateLimitMax:    20,
		RateLimitWindow: time.Minute,
	}
}

// Executor runs tools and raw commands under the constraints above. The
// caller resolves a tool's definition (e.g. via toolregistry.Registry)
// before calling Execute — the executor itself has no notion of a registry,
// so it can be reused verbatim by both the broker-side mirror and the
// endpoint's local tool table.
type Executor struct {
	limits  Limits
	limiter *RateLimiter
	now     func() time.Time
}

// New builds an Executor with the given resource limits.
func New(limits Limits) *Executor {
	return &Executor{
		limits:  limits,
		limiter: NewRateLimiter(limits.RateLimitMax, limits.RateLimitWindow),
		now:     time.Now,
	}
}

// Execute runs a named tool's handler under a hard deadline, validating
// arguments against its declared schema first. Per invariant I5, BLOCKED
// and INVALID_ARGUMENTS results never reach the handler.
func (e *Executor) Execute(ctx context.Context, callID string, def types.ToolDefinition, schemaErr error, role types.Role, deviceID string, arguments map[string]any) types.ToolResult {
	start := e.now()

	if schemaErr != nil {
		return types.ToolResult{
			ID:              callID,
			Status:          types.StatusInvalidArguments,
			Error:           schemaErr.Error(),
			ExecutionTimeMs: elapsedMs(start, e.now()),
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, def.Policy.Timeout())
	defer cancel()

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		handlerCtx := types.Context{CallID: callID, Role: role, DeviceID: deviceID, RequiresSudo: def.Policy.RequiresSudo}
		output, err := def.Handler(handlerCtx, arguments)
		done <- outcome{output: output, err: err}
	}()

	select {
	case <-runCtx.Done():
		return types.ToolResult{
			ID:              callID,
			Status:          types.StatusTimeout,
			Error:           fmt.Sprintf("no result within %v", def.Policy.Timeout()),
			ExecutionTimeMs: elapsedMs(start, e.now()),
		}
	case o := <-done:
		elapsed := elapsedMs(start, e.now())
		if o.err != nil {
			return types.ToolResult{ID: callID, Status: types.StatusFailure, Error: o.err.Error(), ExecutionTimeMs: elapsed}
		}
		output, redactions := Redact(o.output)
		output, truncated := Truncate(output, e.limits.MaxOutputBytes)
		return types.ToolResult{
			ID:              callID,
			Status:          types.StatusSuccess,
			Output:          output,
			ExecutionTimeMs: elapsed,
			Truncated:       truncated,
			Redactions:      redactions,
		}
	}
}

// ExecuteRaw runs an arbitrary command string behind the blocklist, the
// role floor, the rate limiter, shell-free argv parsing, and a timeout.
func (e *Executor) ExecuteRaw(ctx context.Context, callID string, rateKey string, command string, role types.Role, requiresSudo bool, timeout time.Duration) types.ToolResult {
	start := e.now()

	if role < RawCommandMinRole {
		return types.ToolResult{
			ID:              callID,
			Status:          types.StatusUnauthorized,
			Error:           ErrRoleFloor.Error(),
			ExecutionTimeMs: elapsedMs(start, e.now()),
		}
	}

	if matched := CheckBlocklist(command); matched != "" {
		return types.ToolResult{
			ID:              callID,
			Status:          types.StatusBlocked,
			Error:           fmt.Sprintf("command blocked: matched %q", matched),
			ExecutionTimeMs: elapsedMs(start, e.now()),
		}
	}

	if !e.limiter.Allow(rateKey, e.now()) {
		return types.ToolResult{
			ID:              callID,
			Status:          types.StatusFailure,
			Error:           "rate limit exceeded",
			ExecutionTimeMs: elapsedMs(start, e.now()),
		}
	}

	argv, err := Tokenize(command)
	if err != nil {
		return types.ToolResult{
			ID:              callID,
			Status:          types.StatusInvalidArguments,
			Error:           err.Error(),
			ExecutionTimeMs: elapsedMs(start, e.now()),
		}
	}

	if requiresSudo {
		argv = append([]string{"sudo", "-n"}, argv...)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = homeDir()
	cmd.Env = minimalEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	elapsed := elapsedMs(start, e.now())

	if runCtx.Err() == context.DeadlineExceeded {
		return types.ToolResult{
			ID:              callID,
			Status:          types.StatusTimeout,
			Error:           fmt.Sprintf("command timed out after %v", timeout),
			ExecutionTimeMs: elapsed,
		}
	}

	output := stdout.String() + stderr.String()
	output, redactions := Redact(output)
	output, truncated := Truncate(output, e.limits.MaxOutputBytes)

	if runErr != nil {
		errMsg := runErr.Error()
		if requiresSudo {
			errMsg += " (hint: passwordless sudo must be configured for this command)"
		}
		return types.ToolResult{
			ID:              callID,
			Status:          types.StatusFailure,
			Output:          output,
			Error:           errMsg,
			ExecutionTimeMs: elapsed,
			Truncated:       truncated,
			Redactions:      redactions,
		}
	}

	return types.ToolResult{
		ID:              callID,
		Status:          types.StatusSuccess,
		Output:          output,
		ExecutionTimeMs: elapsed,
		Truncated:       truncated,
		Redactions:      redactions,
	}
}

func elapsedMs(start, end time.Time) int64 {
	return end.Sub(start).Milliseconds()
}

func homeDir() string {
	if u, err := user.Current(); err == nil && u.HomeDir != "" {
		return u.HomeDir
	}
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return "/tmp"
}

func minimalEnv() []string {
	var env []string
	for _, k := range []string{"PATH", "HOME", "USER", "TMPDIR", "TEMP", "PSModulePath"} {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}
