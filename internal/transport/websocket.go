package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// WebSocketDialer dials text-frame WebSocket connections.
type WebSocketDialer struct {
	// HTTPClient is used for the handshake; nil means http.DefaultClient.
	HTTPClient *http.Client
	// ReadLimit caps a single inbound frame in bytes; 0 keeps the library default.
	ReadLimit int64
}

// NewWebSocketDialer returns a dialer with a 1 MiB frame limit.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{ReadLimit: 1 << 20}
}

// Dial performs the WebSocket handshake against url.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{conn: c}, nil
}

// wsConn adapts *websocket.Conn to Conn.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

// CloseCode extracts the peer's close code from a Read error. Errors that
// carry no close frame (reset, EOF, timeouts) report StatusAbnormalClosure.
func CloseCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	if code := websocket.CloseStatus(err); code != -1 {
		return int(code)
	}
	return StatusAbnormalClosure
}

// CloseError is a close frame surfaced by a non-WebSocket Conn, such as the
// fakes used in tests.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: %d %s", e.Code, e.Reason)
}
