package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatd/internal/transport"
	"github.com/matheus3301/chatd/internal/wire"
)

// ErrNotConnected is returned by Send while no healthy connection exists.
var ErrNotConnected = errors.New("conn: not connected")

// Config tunes the connection manager.
type Config struct {
	URL              string
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	MaxAttempts      int
	HeartbeatEvery   time.Duration
	MissedHeartbeats int
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 30 * time.Second
	}
	if c.MissedHeartbeats <= 0 {
		c.MissedHeartbeats = 3
	}
	return c
}

// Identity supplies credentials for the handshake. Refresh is invoked when
// the backend rejects them, so the collaborator can obtain a new token
// before the next manual Connect.
type Identity interface {
	Credentials(ctx context.Context) (transport.Credentials, error)
	Refresh(ctx context.Context) error
}

// Handlers is the closed set of inbound event callbacks. Nil entries drop
// their events. All callbacks run on the connection's serve goroutine, in
// arrival order; they must not block.
type Handlers struct {
	Message            func(wire.Message)
	Receipt            func(wire.Receipt)
	Typing             func(wire.Typing)
	StopTyping         func(wire.StopTyping)
	Presence           func(wire.Presence)
	ConversationUpdate func(wire.ConversationUpdate)
	Edit               func(wire.Edit)
	Delete             func(wire.Delete)
}

// Manager owns the lifecycle of the persistent connection: connect,
// authenticate, heartbeat, detect failure and reconnect with backoff.
type Manager struct {
	cfg       Config
	transport transport.Transport
	identity  Identity
	machine   *Machine
	logger    *zap.Logger

	handlers Handlers

	mu      sync.Mutex
	cur     transport.Conn
	running bool
	cancel  context.CancelFunc

	// Set only by Disconnect; distinguishes a deliberate close from a
	// transport failure.
	intentional atomic.Bool
}

// NewManager creates a connection manager. Call SetHandlers before Connect.
func NewManager(cfg Config, t transport.Transport, id Identity, machine *Machine, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		transport: t,
		identity:  id,
		machine:   machine,
		logger:    logger,
	}
}

// SetHandlers registers the inbound event callbacks.
func (m *Manager) SetHandlers(h Handlers) {
	m.handlers = h
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.machine.Current()
}

// Connect starts the connection loop. It returns immediately; progress is
// observable through the state machine. Calling Connect while a loop is
// already running is a no-op. A manual Connect after Failed resets the
// attempt budget.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.intentional.Store(false)
	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	go m.loop(ctx)
	return nil
}

// Disconnect deliberately closes the connection and stops any reconnection
// attempt in flight. Terminal: the manager stays Disconnected until the
// next manual Connect.
func (m *Manager) Disconnect() {
	m.intentional.Store(true)
	m.mu.Lock()
	cancel := m.cancel
	cur := m.cur
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if cur != nil {
		_ = cur.Close()
	}
}

// Send writes an event on the current connection. Fails fast with
// ErrNotConnected while disconnected; callers queue and retry.
func (m *Manager) Send(ev wire.Event) error {
	m.mu.Lock()
	cur := m.cur
	m.mu.Unlock()
	if cur == nil || m.machine.Current() != Connected {
		return ErrNotConnected
	}
	return cur.WriteEvent(ev)
}

func (m *Manager) loop(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	failures := 0
	for {
		if ctx.Err() != nil {
			_ = m.machine.Transition(Disconnected)
			return
		}

		_ = m.machine.Transition(Connecting)

		creds, err := m.identity.Credentials(ctx)
		if err != nil {
			m.logger.Error("credentials unavailable", zap.Error(err))
			_ = m.machine.Transition(Failed)
			return
		}

		c, err := m.transport.Dial(ctx, m.cfg.URL, creds)
		if errors.Is(err, transport.ErrAuthRejected) {
			m.logger.Warn("authentication rejected, requesting token refresh")
			_ = m.machine.Transition(Failed)
			if rerr := m.identity.Refresh(ctx); rerr != nil {
				m.logger.Error("token refresh failed", zap.Error(rerr))
			}
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				_ = m.machine.Transition(Disconnected)
				return
			}
			failures++
			m.logger.Warn("connect failed",
				zap.Int("attempt", failures),
				zap.Error(err))
			if failures >= m.cfg.MaxAttempts {
				m.logger.Error("connection attempts exhausted", zap.Int("attempts", failures))
				_ = m.machine.Transition(Failed)
				return
			}
			_ = m.machine.Transition(Reconnecting)
			if !m.sleep(ctx, m.backoff(failures)) {
				_ = m.machine.Transition(Disconnected)
				return
			}
			continue
		}

		// Any success resets the backoff.
		failures = 0
		m.setCur(c)
		m.logger.Info("connected", zap.String("url", m.cfg.URL))
		_ = m.machine.Transition(Connected)

		serveErr := m.serve(ctx, c)

		m.setCur(nil)
		_ = c.Close()

		if m.intentional.Load() || ctx.Err() != nil {
			m.logger.Info("disconnected")
			_ = m.machine.Transition(Disconnected)
			return
		}

		m.logger.Warn("connection lost", zap.Error(serveErr))
		failures = 1
		if failures >= m.cfg.MaxAttempts {
			_ = m.machine.Transition(Failed)
			return
		}
		_ = m.machine.Transition(Reconnecting)
		if !m.sleep(ctx, m.backoff(failures)) {
			_ = m.machine.Transition(Disconnected)
			return
		}
	}
}

// serve reads and dispatches inbound events and drives the heartbeat.
// Returns when the connection is no longer usable.
func (m *Manager) serve(ctx context.Context, c transport.Conn) error {
	type readResult struct {
		ev  wire.Event
		err error
	}

	stop := make(chan struct{})
	defer close(stop)

	readCh := make(chan readResult)
	go func() {
		for {
			ev, err := c.ReadEvent()
			if err != nil {
				var perr *transport.ProtocolError
				if errors.As(err, &perr) {
					// Malformed frame: log, drop, keep the connection.
					m.logger.Warn("dropping malformed frame", zap.Error(perr))
					continue
				}
				select {
				case readCh <- readResult{err: err}:
				case <-stop:
				}
				return
			}
			select {
			case readCh <- readResult{ev: ev}:
			case <-stop:
				return
			}
		}
	}()

	heartbeat := time.NewTicker(m.cfg.HeartbeatEvery)
	defer heartbeat.Stop()

	missed := 0
	awaitingPong := false
	for {
		select {
		case r := <-readCh:
			if r.err != nil {
				return r.err
			}
			switch ev := r.ev.(type) {
			case wire.Pong:
				missed = 0
				awaitingPong = false
			case wire.Ping:
				if err := c.WriteEvent(wire.Pong{}); err != nil {
					return err
				}
			default:
				m.dispatch(ev)
			}
		case <-heartbeat.C:
			if awaitingPong {
				missed++
				if missed >= m.cfg.MissedHeartbeats {
					return fmt.Errorf("conn: %d heartbeats missed", missed)
				}
			}
			if err := c.WriteEvent(wire.Ping{}); err != nil {
				return err
			}
			awaitingPong = true
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatch routes a single inbound event to its handler, synchronously and
// in arrival order. No reordering or coalescing happens at this layer.
func (m *Manager) dispatch(ev wire.Event) {
	switch e := ev.(type) {
	case wire.Message:
		if m.handlers.Message != nil {
			m.handlers.Message(e)
		}
	case wire.Receipt:
		if m.handlers.Receipt != nil {
			m.handlers.Receipt(e)
		}
	case wire.Typing:
		if m.handlers.Typing != nil {
			m.handlers.Typing(e)
		}
	case wire.StopTyping:
		if m.handlers.StopTyping != nil {
			m.handlers.StopTyping(e)
		}
	case wire.Presence:
		if m.handlers.Presence != nil {
			m.handlers.Presence(e)
		}
	case wire.ConversationUpdate:
		if m.handlers.ConversationUpdate != nil {
			m.handlers.ConversationUpdate(e)
		}
	case wire.Edit:
		if m.handlers.Edit != nil {
			m.handlers.Edit(e)
		}
	case wire.Delete:
		if m.handlers.Delete != nil {
			m.handlers.Delete(e)
		}
	default:
		// Hello/HelloAck outside the handshake, or future frames.
		m.logger.Warn("unexpected inbound event", zap.Any("event", ev))
	}
}

// backoff returns base * 2^(failures-1), capped.
func (m *Manager) backoff(failures int) time.Duration {
	d := m.cfg.BackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= m.cfg.BackoffCap {
			return m.cfg.BackoffCap
		}
	}
	if d > m.cfg.BackoffCap {
		return m.cfg.BackoffCap
	}
	return d
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) setCur(c transport.Conn) {
	m.mu.Lock()
	m.cur = c
	m.mu.Unlock()
}
