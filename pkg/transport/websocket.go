// Package transport provides the concrete connections behind the bridge:
// a gorilla websocket client for the network variant and a go.bug.st serial
// port for the serial variant.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-mechaverse/pkg/bridge"
)

const (
	// DefaultHandshakeTimeout bounds the websocket opening handshake
	DefaultHandshakeTimeout = 10 * time.Second

	// writeWait is how long to wait for a write to complete
	writeWait = 10 * time.Second
)

// WebsocketDialer dials actuator endpoints with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

// NewWebsocketDialer creates a dialer. Zero timeout uses the default.
func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &WebsocketDialer{HandshakeTimeout: handshakeTimeout}
}

// Dial implements bridge.Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (bridge.MessageConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return NewWSConn(ws), nil
}

// WSConn adapts a gorilla connection to bridge.MessageConn. Writes are
// serialized; gorilla allows one concurrent reader and one writer.
type WSConn struct {
	ws   *websocket.Conn
	wsMu sync.Mutex
}

// NewWSConn wraps an established connection.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

// ReadMessage returns the next text or binary frame.
func (c *WSConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// WriteMessage sends one text frame.
func (c *WSConn) WriteMessage(data []byte) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the socket.
func (c *WSConn) Close() error {
	c.wsMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wsMu.Unlock()
	return c.ws.Close()
}
