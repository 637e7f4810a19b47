package brokerserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/clawinfra/toolfabric/internal/codec"
)

// authenticateTimeout bounds how long a device has to send its first
// (authenticate) frame before the broker gives up, per SPEC_FULL.md §6's
// "failure closes the socket within a bounded time (e.g., 10 s)".
const authenticateTimeout = 10 * time.Second

// socketAdapter wraps *websocket.Conn to satisfy connregistry.Socket.
type socketAdapter struct {
	c *websocket.Conn
}

func (s *socketAdapter) WriteText(ctx context.Context, data []byte) error {
	return s.c.Write(ctx, websocket.MessageText, data)
}

func (s *socketAdapter) Close(code int, reason string) error {
	return s.c.Close(websocket.StatusCode(code), reason)
}

func readFrame(ctx context.Context, c *websocket.Conn) (codec.Frame, error) {
	typ, data, err := c.Read(ctx)
	if err != nil {
		return codec.Frame{}, err
	}
	if typ != websocket.MessageText {
		return codec.Frame{}, fmt.Errorf("expected a text frame, got %v", typ)
	}
	return codec.Decode(data)
}

func (s *Server) acceptDeviceSocket(w http.ResponseWriter, r *http.Request, deviceID string) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "device_id", deviceID, "error", err)
		return
	}
	c.SetReadLimit(4 << 20)

	authCtx, cancel := context.WithTimeout(r.Context(), authenticateTimeout)
	frame, err := readFrame(authCtx, c)
	cancel()
	if err != nil || frame.Type != codec.FrameAuthenticate || frame.DeviceID != deviceID {
		s.logger.Warn("device authentication failed", "device_id", deviceID, "error", err)
		_ = c.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	if !s.devices.Verify(frame.DeviceID, frame.DeviceToken) {
		s.logger.Warn("device token rejected", "device_id", deviceID)
		writeFrameBestEffort(r.Context(), c, codec.Frame{Type: codec.FrameError, Error: "invalid device token"})
		_ = c.Close(websocket.StatusPolicyViolation, "invalid credentials")
		return
	}

	writeFrameBestEffort(r.Context(), c, codec.Frame{Type: codec.FrameAuthenticated})

	sock := &socketAdapter{c: c}
	s.conns.Register(deviceID, sock)
	s.dispatcher.CancelDevice(deviceID) // a prior connection's in-flight calls can never complete now
	s.logger.Info("device connected", "device_id", deviceID)

	defer func() {
		s.conns.Unregister(deviceID, sock)
		s.dispatcher.CancelDevice(deviceID)
		s.logger.Info("device disconnected", "device_id", deviceID)
	}()

	s.serveDeviceSocket(r.Context(), c, deviceID)
}

func (s *Server) serveDeviceSocket(ctx context.Context, c *websocket.Conn, deviceID string) {
	for {
		frame, err := readFrame(ctx, c)
		if err != nil {
			return
		}

		switch frame.Type {
		case codec.FrameHeartbeat:
			s.conns.Touch(deviceID)
			writeFrameBestEffort(ctx, c, codec.Frame{Type: codec.FrameHeartbeatAck})
		case codec.FramePing:
			writeFrameBestEffort(ctx, c, codec.Frame{Type: codec.FramePong})
		case codec.FramePong:
			s.conns.Touch(deviceID)
		case codec.FrameToolResult:
			result := frame.ToResult()
			if !s.dispatcher.DeliverResult(frame.ID, result) {
				s.logger.Warn("dropped tool_result for unknown or completed call", "call_id", frame.ID, "device_id", deviceID)
			}
		case codec.FrameDisconnect:
			return
		default:
			s.logger.Warn("unexpected frame from device", "type", frame.Type, "device_id", deviceID)
		}
	}
}

func writeFrameBestEffort(ctx context.Context, c *websocket.Conn, f codec.Frame) {
	data, err := codec.Encode(f)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = c.Write(writeCtx, websocket.MessageText, data)
}
