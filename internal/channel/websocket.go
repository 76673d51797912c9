// Package channel provides the persistent duplex transport to the
// conversational agent.
//
// This file implements the WebSocket-backed Dialer and Conn.
package channel

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// WebSocketDialer dials the agent service's websocket endpoint.
type WebSocketDialer struct {
	url        string
	httpClient *http.Client
}

// NewWebSocketDialer creates a dialer for the given ws:// or wss:// URL.
func NewWebSocketDialer(url string) *WebSocketDialer {
	return &WebSocketDialer{url: url}
}

// Dial establishes one websocket connection.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	opts := &websocket.DialOptions{HTTPClient: d.httpClient}
	ws, _, err := websocket.Dial(ctx, d.url, opts)
	if err != nil {
		slog.Debug("WebSocketDialer.Dial failed", "url", d.url, "error", err)
		return nil, err
	}
	// Frame payloads stay well under the default limit, but transcripts in
	// complete frames can grow past 32KiB on long interviews.
	ws.SetReadLimit(1 << 20)
	return &wsConn{ws: ws}, nil
}

// wsConn adapts *websocket.Conn to the channel Conn interface.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "session ended")
}

// NewWebSocketChannel is a convenience constructor wiring a websocket dialer
// into a Channel.
func NewWebSocketChannel(url string, opts ...Option) *Channel {
	return NewChannel(NewWebSocketDialer(url), opts...)
}
