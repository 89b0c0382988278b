package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// closeCodeBase maps an HTTP status to an application close code (4000-4999).
const closeCodeBase = 4000

// WSOptions configures a WebSocket connection
type WSOptions struct {
	WriteTimeout time.Duration
}

// WSConn adapts a WebSocket to Conn. Writes are binary messages and End closes
// the socket; a non-200 status is reported in the close frame.
type WSConn struct {
	conn *websocket.Conn
	opts WSOptions
	req  Request

	mu     sync.Mutex
	status int
	ended  bool
	done   chan struct{}

	bytesWritten uint64
}

// NewUpgrader returns an upgrader accepting origins per allowOrigin ("*" or empty accepts any)
func NewUpgrader(allowOrigin string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 32 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowOrigin == "" || allowOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == allowOrigin
		},
	}
}

// IsWebSocketRequest reports whether r asks for a WebSocket upgrade
func IsWebSocketRequest(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// UpgradeWS upgrades an HTTP request and wraps the resulting socket
func UpgradeWS(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request, opts WSOptions) (*WSConn, error) {
	req := requestFrom(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade websocket: %w", err)
	}

	return NewWSConn(conn, req, opts), nil
}

// NewWSConn wraps an established WebSocket
func NewWSConn(conn *websocket.Conn, req Request, opts WSOptions) *WSConn {
	return &WSConn{
		conn:   conn,
		opts:   opts,
		req:    req,
		status: http.StatusOK,
		done:   make(chan struct{}),
	}
}

// Protocol implements Conn
func (c *WSConn) Protocol() string { return ProtocolWebSocketFLV }

// Request implements Conn
func (c *WSConn) Request() Request { return c.req }

// SetHeader implements Conn. Headers were sent with the upgrade response.
func (c *WSConn) SetHeader(key, value string) {}

// SetStatus records the status reported when the socket is closed
func (c *WSConn) SetStatus(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = code
}

// Write sends data as one binary message
func (c *WSConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ended {
		return ErrClosed
	}

	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.bytesWritten += uint64(len(data))

	return nil
}

// End sends a close frame and closes the socket
func (c *WSConn) End() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ended {
		return
	}
	c.ended = true

	code := websocket.CloseNormalClosure
	text := ""
	if c.status != http.StatusOK {
		code = closeCodeBase + c.status
		text = http.StatusText(c.status)
	}

	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	_ = c.conn.Close()

	close(c.done)
}

// Done is closed once End has been called
func (c *WSConn) Done() <-chan struct{} {
	return c.done
}

// BytesWritten returns the number of payload bytes written
func (c *WSConn) BytesWritten() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesWritten
}

// Serve reads messages into r until the socket closes or ctx is cancelled
func (c *WSConn) Serve(ctx context.Context, r Receiver) {
	defer c.End()

	stop := context.AfterFunc(ctx, func() {
		// unblocks ReadMessage
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}

			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				r.OnClose()
				return
			}
			r.OnError(fmt.Errorf("failed to read message: %w", err))
			return
		}

		r.OnData(data)
	}
}
