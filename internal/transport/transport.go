package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/chatd/internal/wire"
)

// Credentials carries the identity used for the connection handshake.
type Credentials struct {
	UserID    string
	AuthToken string
}

// ErrAuthRejected is returned by Dial when the backend refuses the
// credentials. It is terminal for the attempt: the connection manager
// surfaces it to the identity collaborator instead of retrying.
var ErrAuthRejected = errors.New("transport: authentication rejected")

// ErrClosed is returned by reads and writes on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// ProtocolError wraps a malformed or unknown inbound frame. The connection
// remains usable; callers log the frame and keep reading.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("transport: protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Conn is an established, authenticated full-duplex connection.
type Conn interface {
	// ReadEvent blocks until the next inbound event. A *ProtocolError
	// result leaves the connection usable; any other error is fatal
	// for this connection.
	ReadEvent() (wire.Event, error)
	WriteEvent(ev wire.Event) error
	Close() error
}

// Transport establishes connections to the messaging backend. The
// production implementation is WebSocket; tests supply a fake.
type Transport interface {
	Dial(ctx context.Context, url string, creds Credentials) (Conn, error)
}
