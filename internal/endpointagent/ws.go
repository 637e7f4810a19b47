package endpointagent

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// wsConn adapts *websocket.Conn to the Conn interface the runtime needs.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadText(ctx context.Context) ([]byte, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("endpointagent: expected text frame, got %v", typ)
	}
	return data, nil
}

func (w *wsConn) WriteText(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(code int, reason string) error {
	return w.c.Close(websocket.StatusCode(code), reason)
}

// DialWebsocket is the production Dialer, opening a WebSocket connection to
// the broker URL carried in the endpoint's DeviceIdentity.
func DialWebsocket(ctx context.Context, brokerURL string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, brokerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", brokerURL, err)
	}
	c.SetReadLimit(4 << 20) // 4MiB, generous for tool_result output before truncation
	return &wsConn{c: c}, nil
}
