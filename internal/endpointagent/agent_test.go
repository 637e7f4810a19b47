package endpointagent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clawinfra/toolfabric/internal/codec"
	"github.com/clawinfra/toolfabric/internal/sandbox"
	"github.com/clawinfra/toolfabric/internal/toolregistry"
	"github.com/clawinfra/toolfabric/internal/types"
)

// fakeConn is an in-process Conn backed by two queues: one the agent reads
// from (broker->agent) and one it writes to (agent->broker), so a test can
// drive a scripted conversation without any real networking.
type fakeConn struct {
	mu      sync.Mutex
	inbox   [][]byte
	inboxCh chan struct{}
	outbox  [][]byte
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inboxCh: make(chan struct{}, 64)}
}

func (f *fakeConn) push(frame codec.Frame) {
	data, _ := codec.Encode(frame)
	f.mu.Lock()
	f.inbox = append(f.inbox, data)
	f.mu.Unlock()
	f.inboxCh <- struct{}{}
}

func (f *fakeConn) ReadText(ctx context.Context) ([]byte, error) {
	for {
		f.mu.Lock()
		if len(f.inbox) > 0 {
			data := f.inbox[0]
			f.inbox = f.inbox[1:]
			f.mu.Unlock()
			return data, nil
		}
		f.mu.Unlock()
		select {
		case <-f.inboxCh:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (f *fakeConn) WriteText(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed connection")
	}
	out := make([]byte, len(data))
	copy(out, data)
	f.outbox = append(f.outbox, out)
	return nil
}

func (f *fakeConn) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) writtenFrames(t *testing.T) []codec.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []codec.Frame
	for _, data := range f.outbox {
		frame, err := codec.Decode(data)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, frame)
	}
	return out
}

func newTestAgent(t *testing.T, conn *fakeConn) *Agent {
	reg := toolregistry.New()
	err := reg.Register(types.ToolDefinition{
		Name:    "echo",
		Policy:  types.ToolPolicy{TimeoutSeconds: 2},
		Handler: func(ctx types.Context, args map[string]any) (string, error) { return "ok", nil },
	}, toolregistry.RegisterOptions{})
	if err != nil {
		t.Fatal(err)
	}

	identity := types.DeviceIdentity{DeviceID: "dev-1", DeviceToken: "tok", BrokerURL: "wss://broker.example/ws"}
	dial := func(ctx context.Context, brokerURL string) (Conn, error) { return conn, nil }
	a := New(identity, "fingerprint-1", reg, sandbox.New(sandbox.DefaultLimits()), dial)
	a.HeartbeatEvery = 20 * time.Millisecond
	return a
}

func TestAuthenticateSendsCredentialsAndReachesReady(t *testing.T) {
	conn := newFakeConn()
	a := newTestAgent(t, conn)

	go conn.push(codec.Frame{Type: codec.FrameAuthenticated})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for a.State() != StateReady {
		select {
		case <-deadline:
			t.Fatal("agent never reached READY")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	frames := conn.writtenFrames(t)
	if len(frames) == 0 || frames[0].Type != codec.FrameAuthenticate {
		t.Fatalf("expected first frame to be authenticate, got %+v", frames)
	}
	if frames[0].DeviceID != "dev-1" || frames[0].DeviceToken != "tok" {
		t.Fatalf("unexpected authenticate frame: %+v", frames[0])
	}

	conn.push(codec.Frame{Type: codec.FrameDisconnect})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop after disconnect frame")
	}
	cancel()
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	conn := newFakeConn()
	a := newTestAgent(t, conn)

	go conn.push(codec.Frame{Type: codec.FrameAuthenticated})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	for a.State() != StateReady {
		time.Sleep(5 * time.Millisecond)
	}

	conn.push(codec.Frame{Type: codec.FramePing})

	deadline := time.After(2 * time.Second)
	for {
		for _, f := range conn.writtenFrames(t) {
			if f.Type == codec.FramePong {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("never received a pong reply")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestToolCallIsExecutedAndResultReturned(t *testing.T) {
	conn := newFakeConn()
	a := newTestAgent(t, conn)

	go conn.push(codec.Frame{Type: codec.FrameAuthenticated})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	for a.State() != StateReady {
		time.Sleep(5 * time.Millisecond)
	}

	conn.push(codec.Frame{Type: codec.FrameToolCall, ID: "call-1", Name: "echo", Role: types.RoleAIAgent.String()})

	deadline := time.After(2 * time.Second)
	for {
		for _, f := range conn.writtenFrames(t) {
			if f.Type == codec.FrameToolResult && f.ID == "call-1" {
				if f.Status != types.StatusSuccess || f.Output != "ok" {
					t.Fatalf("unexpected tool_result: %+v", f)
				}
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("never received a tool_result frame")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestHealthCheckIsAnsweredHealthy(t *testing.T) {
	conn := newFakeConn()
	a := newTestAgent(t, conn)

	go conn.push(codec.Frame{Type: codec.FrameAuthenticated})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	for a.State() != StateReady {
		time.Sleep(5 * time.Millisecond)
	}

	conn.push(codec.Frame{Type: codec.FrameHealthCheck, ID: "hc-1"})

	deadline := time.After(2 * time.Second)
	for {
		for _, f := range conn.writtenFrames(t) {
			if f.Type == codec.FrameHealthResponse && f.ID == "hc-1" {
				if !f.Healthy {
					t.Fatalf("expected healthy response, got %+v", f)
				}
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("never received a health_response frame")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestListDiagnosticsReturnsVisibleToolNames(t *testing.T) {
	conn := newFakeConn()
	a := newTestAgent(t, conn)

	go conn.push(codec.Frame{Type: codec.FrameAuthenticated})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	for a.State() != StateReady {
		time.Sleep(5 * time.Millisecond)
	}

	conn.push(codec.Frame{Type: codec.FrameListDiagnostics, ID: "ld-1", Role: types.RoleAIAgent.String()})

	deadline := time.After(2 * time.Second)
	for {
		for _, f := range conn.writtenFrames(t) {
			if f.Type == codec.FrameDiagnosticsList && f.ID == "ld-1" {
				if len(f.Diagnostics) != 1 || f.Diagnostics[0] != "echo" {
					t.Fatalf("expected [echo], got %+v", f.Diagnostics)
				}
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("never received a diagnostics_list frame")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestExecuteRawHonorsRequiresSudoFromFrame(t *testing.T) {
	conn := newFakeConn()
	a := newTestAgent(t, conn)

	go conn.push(codec.Frame{Type: codec.FrameAuthenticated})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	for a.State() != StateReady {
		time.Sleep(5 * time.Millisecond)
	}

	conn.push(codec.Frame{
		Type:         codec.FrameExecuteRaw,
		ID:           "raw-1",
		Command:      "definitely-not-a-real-command-xyz",
		Role:         types.RoleAdmin.String(),
		Timeout:      2,
		RequiresSudo: true,
	})

	deadline := time.After(3 * time.Second)
	for {
		for _, f := range conn.writtenFrames(t) {
			if f.Type == codec.FrameToolResult && f.ID == "raw-1" {
				if f.Status != types.StatusFailure {
					t.Fatalf("expected FAILURE, got %+v", f)
				}
				if !strings.Contains(f.Error, "passwordless sudo must be configured") {
					t.Fatalf("expected sudo hint in error, got %q", f.Error)
				}
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("never received a tool_result frame")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestHeartbeatSentPeriodically(t *testing.T) {
	conn := newFakeConn()
	a := newTestAgent(t, conn)

	go conn.push(codec.Frame{Type: codec.FrameAuthenticated})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		for _, f := range conn.writtenFrames(t) {
			if f.Type == codec.FrameHeartbeat {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("never sent a heartbeat")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestAuthenticationRejectionTriggersBackoff(t *testing.T) {
	conn := newFakeConn()
	a := newTestAgent(t, conn)
	a.Backoff = Backoff{Base: 10 * time.Millisecond, Max: 20 * time.Millisecond}

	go conn.push(codec.Frame{Type: codec.FrameError, Error: "bad token"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	deadline := time.After(2 * time.Second)
	for a.State() != StateBackoff {
		select {
		case <-deadline:
			t.Fatal("agent never entered BACKOFF after rejected authentication")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}
