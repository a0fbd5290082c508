// Package transporttest provides a scriptable in-memory transport for
// tests. It is never imported by production code.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatd/internal/transport"
	"github.com/matheus3301/chatd/internal/wire"
)

// Fake implements transport.Transport. Each Dial either pops a scripted
// error or yields a fresh Conn the test can drive.
type Fake struct {
	mu       sync.Mutex
	dialErrs []error
	dials    int
	conns    []*Conn
	notify   chan struct{}

	// AutoPong answers every written Ping with a Pong on new connections.
	AutoPong bool
}

// New creates a fake transport.
func New() *Fake {
	return &Fake{notify: make(chan struct{}, 16)}
}

// FailNext queues errors returned by the next Dial calls, in order.
func (f *Fake) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialErrs = append(f.dialErrs, errs...)
}

// Dial implements transport.Transport.
func (f *Fake) Dial(ctx context.Context, url string, creds transport.Credentials) (transport.Conn, error) {
	f.mu.Lock()
	f.dials++
	if len(f.dialErrs) > 0 {
		err := f.dialErrs[0]
		f.dialErrs = f.dialErrs[1:]
		f.mu.Unlock()
		f.signal()
		return nil, err
	}
	c := newConn(creds, f.AutoPong)
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	f.signal()
	return c, nil
}

func (f *Fake) signal() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// Dials returns the number of Dial calls so far.
func (f *Fake) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// Conns returns all connections handed out so far.
func (f *Fake) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}

// WaitConn blocks until at least n connections exist and returns the nth
// (zero-based), or an error after the timeout.
func (f *Fake) WaitConn(n int, timeout time.Duration) (*Conn, error) {
	deadline := time.After(timeout)
	for {
		f.mu.Lock()
		if len(f.conns) > n {
			c := f.conns[n]
			f.mu.Unlock()
			return c, nil
		}
		f.mu.Unlock()
		select {
		case <-f.notify:
		case <-deadline:
			return nil, fmt.Errorf("transporttest: conn %d not established within %v", n, timeout)
		}
	}
}

// Conn is a scriptable in-memory connection.
type Conn struct {
	Creds transport.Credentials

	autoPong bool
	inbound  chan wire.Event

	mu     sync.Mutex
	sent   []wire.Event
	sentCh chan struct{}

	closed    chan struct{}
	closeOnce sync.Once

	// WriteErr, when set, is returned by every subsequent WriteEvent.
	WriteErr error
}

func newConn(creds transport.Credentials, autoPong bool) *Conn {
	return &Conn{
		Creds:    creds,
		autoPong: autoPong,
		inbound:  make(chan wire.Event, 64),
		sentCh:   make(chan struct{}, 64),
		closed:   make(chan struct{}),
	}
}

// ReadEvent implements transport.Conn.
func (c *Conn) ReadEvent() (wire.Event, error) {
	select {
	case ev := <-c.inbound:
		return ev, nil
	case <-c.closed:
		return nil, transport.ErrClosed
	}
}

// WriteEvent implements transport.Conn.
func (c *Conn) WriteEvent(ev wire.Event) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	c.mu.Lock()
	if c.WriteErr != nil {
		err := c.WriteErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, ev)
	c.mu.Unlock()
	select {
	case c.sentCh <- struct{}{}:
	default:
	}
	if _, isPing := ev.(wire.Ping); isPing && c.autoPong {
		c.Deliver(wire.Pong{})
	}
	return nil
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Drop simulates the server closing the connection.
func (c *Conn) Drop() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// SetWriteErr makes subsequent writes fail with err (nil clears it).
func (c *Conn) SetWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.WriteErr = err
}

// Deliver queues an inbound event for the client to read.
func (c *Conn) Deliver(ev wire.Event) {
	select {
	case c.inbound <- ev:
	case <-c.closed:
	}
}

// Sent returns a snapshot of everything written to the connection.
func (c *Conn) Sent() []wire.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Event(nil), c.sent...)
}

// WaitSent blocks until at least n events were written, returning the
// snapshot, or an error after the timeout.
func (c *Conn) WaitSent(n int, timeout time.Duration) ([]wire.Event, error) {
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		if len(c.sent) >= n {
			out := append([]wire.Event(nil), c.sent...)
			c.mu.Unlock()
			return out, nil
		}
		c.mu.Unlock()
		select {
		case <-c.sentCh:
		case <-deadline:
			return nil, fmt.Errorf("transporttest: %d events not written within %v", n, timeout)
		}
	}
}
