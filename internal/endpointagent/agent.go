// Package endpointagent implements the Endpoint Agent Runtime (C4): the
// state machine an endpoint drives to stay connected to its broker,
// authenticate, and service incoming tool_call/execute_raw frames
// concurrently with pings and heartbeats.
package endpointagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/toolfabric/internal/codec"
	"github.com/clawinfra/toolfabric/internal/sandbox"
	"github.com/clawinfra/toolfabric/internal/toolregistry"
	"github.com/clawinfra/toolfabric/internal/types"
)

// State is one node of the C4 state diagram (SPEC_FULL.md §4.4).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// errDisconnectRequested is returned by serveConnection when the broker
// sends a disconnect frame — the runtime must not reconnect after this.
var errDisconnectRequested = errors.New("endpointagent: broker requested disconnect")

// Conn is the minimal transport surface the runtime needs, satisfied by a
// thin wrapper around *coder/websocket.Conn in production (see ws.go) and
// by a fake in tests.
type Conn interface {
	ReadText(ctx context.Context) ([]byte, error)
	WriteText(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Dialer opens a transport connection to brokerURL.
type Dialer func(ctx context.Context, brokerURL string) (Conn, error)

// Backoff controls reconnect delay growth.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff matches SPEC_FULL.md §4.4's example constants.
func DefaultBackoff() Backoff {
	return Backoff{Base: 5 * time.Second, Max: 60 * time.Second}
}

// Agent drives one endpoint's connection lifecycle to a single broker.
type Agent struct {
	Identity       types.DeviceIdentity
	Fingerprint    string
	Registry       *toolregistry.Registry
	Executor       *sandbox.Executor
	Dial           Dialer
	Backoff        Backoff
	HeartbeatEvery time.Duration

	now   func() time.Time
	sleep func(context.Context, time.Duration)

	mu    sync.Mutex
	state State
}

// New builds an Agent ready to Run. Dial must be supplied (DialWebsocket in
// production, a fake in tests).
func New(identity types.DeviceIdentity, fingerprint string, registry *toolregistry.Registry, executor *sandbox.Executor, dial Dialer) *Agent {
	return &Agent{
		Identity:       identity,
		Fingerprint:    fingerprint,
		Registry:       registry,
		Executor:       executor,
		Dial:           dial,
		Backoff:        DefaultBackoff(),
		HeartbeatEvery: 30 * time.Second,
		now:            time.Now,
		sleep:          sleepCtx,
		state:          StateDisconnected,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// State returns the runtime's current state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Run drives the connect/serve/backoff loop until ctx is cancelled or the
// broker sends a disconnect frame.
func (a *Agent) Run(ctx context.Context) error {
	delay := a.Backoff.Base
	for {
		if ctx.Err() != nil {
			a.setState(StateDisconnected)
			return ctx.Err()
		}

		err := a.connectAndServe(ctx)
		if errors.Is(err, errDisconnectRequested) {
			a.setState(StateDisconnected)
			return nil
		}
		if a.State() == StateReady {
			delay = a.Backoff.Base
		}
		if err != nil {
			slog.Warn("endpoint connection lost", "error", err, "retry_in", delay)
		}

		a.setState(StateBackoff)
		a.sleep(ctx, delay)
		if delay < a.Backoff.Max {
			delay *= 2
			if delay > a.Backoff.Max {
				delay = a.Backoff.Max
			}
		}
	}
}

func (a *Agent) connectAndServe(ctx context.Context) error {
	a.setState(StateConnecting)
	conn, err := a.Dial(ctx, a.Identity.BrokerURL)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close(1000, "")

	a.setState(StateAuthenticating)
	if err := a.authenticate(ctx, conn); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	a.setState(StateReady)
	err = a.serveConnection(ctx, conn)
	// Run resets backoff to its base after a session that reached READY; connectAndServe returning nil means
	// serveConnection only ends via errDisconnectRequested or ctx.
	return err
}

func (a *Agent) authenticate(ctx context.Context, conn Conn) error {
	frame := codec.Frame{
		Type:        codec.FrameAuthenticate,
		DeviceID:    a.Identity.DeviceID,
		DeviceToken: a.Identity.DeviceToken,
		Fingerprint: a.Fingerprint,
	}
	data, err := codec.Encode(frame)
	if err != nil {
		return err
	}
	if err := conn.WriteText(ctx, data); err != nil {
		return err
	}

	raw, err := conn.ReadText(ctx)
	if err != nil {
		return err
	}
	resp, err := codec.Decode(raw)
	if err != nil {
		return err
	}
	switch resp.Type {
	case codec.FrameAuthenticated:
		return nil
	case codec.FrameError:
		return fmt.Errorf("broker rejected authentication: %s", resp.Error)
	default:
		return fmt.Errorf("unexpected frame %q during authentication", resp.Type)
	}
}

// serveConnection runs the reader loop and heartbeat ticker concurrently
// via an errgroup tied to ctx; tool_call/execute_raw handling is
// deliberately NOT part of the errgroup — each spawns its own goroutine so
// a slow tool can never block ping/heartbeat traffic (SPEC_FULL.md §4.4).
func (a *Agent) serveConnection(ctx context.Context, conn Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	writeFrame := func(f codec.Frame) error {
		data, err := codec.Encode(f)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteText(connCtx, data)
	}

	var inflight sync.WaitGroup
	defer inflight.Wait()

	g, gCtx := errgroup.WithContext(connCtx)

	g.Go(func() error {
		ticker := time.NewTicker(a.HeartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				if err := writeFrame(codec.Frame{Type: codec.FrameHeartbeat}); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		for {
			raw, err := conn.ReadText(gCtx)
			if err != nil {
				return err
			}
			frame, err := codec.Decode(raw)
			if err != nil {
				slog.Warn("dropping malformed frame", "error", err)
				continue
			}

			switch frame.Type {
			case codec.FramePing:
				if err := writeFrame(codec.Frame{Type: codec.FramePong}); err != nil {
					return err
				}
			case codec.FrameHeartbeatAck:
				// no action needed; Touch() bookkeeping lives broker-side
			case codec.FrameToolCall:
				inflight.Add(1)
				go func(f codec.Frame) {
					defer inflight.Done()
					a.handleToolCall(connCtx, f, writeFrame)
				}(frame)
			case codec.FrameExecuteRaw:
				inflight.Add(1)
				go func(f codec.Frame) {
					defer inflight.Done()
					a.handleExecuteRaw(connCtx, f, writeFrame)
				}(frame)
			case codec.FrameHealthCheck:
				inflight.Add(1)
				go func(f codec.Frame) {
					defer inflight.Done()
					a.handleHealthCheck(f, writeFrame)
				}(frame)
			case codec.FrameListDiagnostics:
				inflight.Add(1)
				go func(f codec.Frame) {
					defer inflight.Done()
					a.handleListDiagnostics(f, writeFrame)
				}(frame)
			case codec.FrameDisconnect:
				return errDisconnectRequested
			default:
				slog.Warn("dropping frame with unrecognized type", "type", frame.Type)
			}
		}
	})

	return g.Wait()
}

func (a *Agent) handleToolCall(ctx context.Context, frame codec.Frame, writeFrame func(codec.Frame) error) {
	inv, err := frame.ToInvocation()
	if err != nil {
		_ = writeFrame(codec.ToolResultFrame(types.ToolResult{ID: frame.ID, Status: types.StatusInvalidArguments, Error: err.Error()}))
		return
	}

	def, ok := a.Registry.Lookup(inv.Name)
	if !ok {
		_ = writeFrame(codec.ToolResultFrame(types.ToolResult{ID: inv.ID, Status: types.StatusFailure, Error: fmt.Sprintf("tool %q not found", inv.Name)}))
		return
	}

	var schemaErr error
	if schema, ok := a.Registry.Schema(inv.Name); ok && schema != nil {
		schemaErr = schema.Validate(inv.Arguments)
	}

	result := a.Executor.Execute(ctx, inv.ID, def, schemaErr, inv.Role, a.Identity.DeviceID, inv.Arguments)
	_ = writeFrame(codec.ToolResultFrame(result))
}

func (a *Agent) handleExecuteRaw(ctx context.Context, frame codec.Frame, writeFrame func(codec.Frame) error) {
	role, ok := types.ParseRole(frame.Role)
	if !ok {
		_ = writeFrame(codec.ToolResultFrame(types.ToolResult{ID: frame.ID, Status: types.StatusInvalidArguments, Error: "invalid role"}))
		return
	}
	timeout := time.Duration(frame.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	result := a.Executor.ExecuteRaw(ctx, frame.ID, a.Identity.DeviceID, frame.Command, role, frame.RequiresSudo, timeout)
	_ = writeFrame(codec.ToolResultFrame(result))
}

// handleHealthCheck answers a protocol-level liveness probe, distinct from
// a tool's own domain diagnostics — reaching this handler at all is the
// signal, so the response is a constant "healthy" the way the original
// agent.py's health_check did.
func (a *Agent) handleHealthCheck(frame codec.Frame, writeFrame func(codec.Frame) error) {
	_ = writeFrame(codec.HealthResponseFrame(frame.ID, true))
}

// handleListDiagnostics enumerates the tool names visible to the
// requesting role — a generic catalog listing, not any tool's own
// diagnostic output.
func (a *Agent) handleListDiagnostics(frame codec.Frame, writeFrame func(codec.Frame) error) {
	role, ok := types.ParseRole(frame.Role)
	if !ok {
		_ = writeFrame(codec.DiagnosticsListFrame(frame.ID, nil))
		return
	}
	_ = writeFrame(codec.DiagnosticsListFrame(frame.ID, a.Registry.ToolsVisibleTo(role)))
}
