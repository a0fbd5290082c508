package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matheus3301/chatd/internal/wire"
)

const helloTimeout = 10 * time.Second

// WebSocket dials the backend over a WebSocket and performs the hello
// handshake before handing the connection back.
type WebSocket struct {
	dialer *websocket.Dialer
}

// NewWebSocket creates the production WebSocket transport.
func NewWebSocket() *WebSocket {
	return &WebSocket{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

// Dial opens the socket, sends the hello frame and waits for the ack.
// A 401/403 upgrade response or a rejected hello maps to ErrAuthRejected.
func (t *WebSocket) Dial(ctx context.Context, url string, creds Credentials) (Conn, error) {
	ws, resp, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrAuthRejected
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &wsConn{ws: ws}
	if err := c.WriteEvent(wire.Hello{UserID: creds.UserID, AuthToken: creds.AuthToken}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(helloTimeout))
	ev, err := c.ReadEvent()
	if err != nil {
		_ = c.Close()
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
			return nil, ErrAuthRejected
		}
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if _, ok := ev.(wire.HelloAck); !ok {
		_ = c.Close()
		return nil, ErrAuthRejected
	}
	_ = ws.SetReadDeadline(time.Time{})

	return c, nil
}

type wsConn struct {
	ws *websocket.Conn

	// gorilla allows at most one concurrent writer.
	wmu sync.Mutex
}

func (c *wsConn) ReadEvent() (wire.Event, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	ev, err := wire.Decode(data)
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}
	return ev, nil
}

func (c *wsConn) WriteEvent(ev wire.Event) error {
	data, err := wire.Encode(ev)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
