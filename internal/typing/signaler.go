package typing

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/wire"
)

// Sender is the slice of the connection manager the signaler needs.
// Typing frames are fire-and-forget: a send failure is logged, never
// retried and never queued.
type Sender interface {
	Send(ev wire.Event) error
}

// Config tunes the typing timers.
type Config struct {
	// ResendInterval is the minimum gap between outbound typing frames
	// for the same conversation while the user keeps typing.
	ResendInterval time.Duration
	// IdleTimeout is how long after the last keystroke an automatic
	// stop-typing frame is sent.
	IdleTimeout time.Duration
	// ExpireAfter bounds how long a remote user stays in the typing set
	// without a fresh typing frame.
	ExpireAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.ResendInterval <= 0 {
		c.ResendInterval = 2 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Second
	}
	if c.ExpireAfter <= 0 {
		c.ExpireAfter = 4 * time.Second
	}
	return c
}

type convKey struct {
	conv string
	user string
}

// Signaler manages typing indicators in both directions and tracks
// remote presence. Everything here is ephemeral: nothing touches the
// store, and all state is lost on restart by design of the protocol.
type Signaler struct {
	sender Sender
	bus    *bus.Bus
	logger *zap.Logger
	cfg    Config
	selfID string

	mu       sync.Mutex
	lastSent map[string]time.Time   // conv -> last outbound typing frame
	idle     map[string]*time.Timer // conv -> auto stop-typing timer
	remote   map[convKey]*time.Timer
	online   map[string]struct{}
	closed   bool
}

// NewSignaler creates a typing/presence signaler.
func NewSignaler(sender Sender, b *bus.Bus, logger *zap.Logger, selfID string, cfg Config) *Signaler {
	return &Signaler{
		sender:   sender,
		bus:      b,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		selfID:   selfID,
		lastSent: make(map[string]time.Time),
		idle:     make(map[string]*time.Timer),
		remote:   make(map[convKey]*time.Timer),
		online:   make(map[string]struct{}),
	}
}

// NotifyTyping reports a local keystroke. A typing frame goes out at
// most once per ResendInterval per conversation; every call re-arms the
// idle timer that will fire an automatic stop-typing.
func (s *Signaler) NotifyTyping(convID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	send := now.Sub(s.lastSent[convID]) >= s.cfg.ResendInterval
	if send {
		s.lastSent[convID] = now
	}
	if t, ok := s.idle[convID]; ok {
		t.Reset(s.cfg.IdleTimeout)
	} else {
		s.idle[convID] = time.AfterFunc(s.cfg.IdleTimeout, func() { s.autoStop(convID) })
	}
	s.mu.Unlock()

	if send {
		s.send(wire.Typing{ConversationID: convID, UserID: s.selfID, Timestamp: now.UnixMilli()})
	}
}

// NotifyStopTyping reports that the user explicitly stopped (sent the
// message, cleared the input). It cancels the idle timer and resets the
// debounce window so the next keystroke signals immediately.
func (s *Signaler) NotifyStopTyping(convID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if t, ok := s.idle[convID]; ok {
		t.Stop()
		delete(s.idle, convID)
	}
	delete(s.lastSent, convID)
	s.mu.Unlock()

	s.send(wire.StopTyping{ConversationID: convID, UserID: s.selfID, Timestamp: time.Now().UnixMilli()})
}

func (s *Signaler) autoStop(convID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.idle, convID)
	delete(s.lastSent, convID)
	s.mu.Unlock()

	s.send(wire.StopTyping{ConversationID: convID, UserID: s.selfID, Timestamp: time.Now().UnixMilli()})
}

// OnTyping handles an inbound typing frame: the (conversation, user)
// pair joins the typing set and its expiry timer is (re)armed.
func (s *Signaler) OnTyping(ev wire.Typing) {
	if ev.UserID == s.selfID {
		return
	}
	key := convKey{conv: ev.ConversationID, user: ev.UserID}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := false
	if t, ok := s.remote[key]; ok {
		t.Reset(s.cfg.ExpireAfter)
	} else {
		s.remote[key] = time.AfterFunc(s.cfg.ExpireAfter, func() { s.expire(key) })
		changed = true
	}
	typers := s.typersLocked(ev.ConversationID)
	s.mu.Unlock()

	if changed {
		s.publishTyping(ev.ConversationID, typers)
	}
}

// OnStopTyping handles an inbound stop-typing frame.
func (s *Signaler) OnStopTyping(ev wire.StopTyping) {
	s.remove(convKey{conv: ev.ConversationID, user: ev.UserID})
}

func (s *Signaler) expire(key convKey) {
	s.remove(key)
}

func (s *Signaler) remove(key convKey) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	t, ok := s.remote[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	t.Stop()
	delete(s.remote, key)
	typers := s.typersLocked(key.conv)
	s.mu.Unlock()

	s.publishTyping(key.conv, typers)
}

// ActiveTypers returns the unordered set of users currently typing in a
// conversation.
func (s *Signaler) ActiveTypers(convID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typersLocked(convID)
}

func (s *Signaler) typersLocked(convID string) []string {
	var typers []string
	for key := range s.remote {
		if key.conv == convID {
			typers = append(typers, key.user)
		}
	}
	return typers
}

// OnPresence tracks a remote user's online flag and publishes changes.
func (s *Signaler) OnPresence(ev wire.Presence) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	_, was := s.online[ev.UserID]
	if ev.Online == was {
		s.mu.Unlock()
		return
	}
	if ev.Online {
		s.online[ev.UserID] = struct{}{}
	} else {
		delete(s.online, ev.UserID)
	}
	s.mu.Unlock()

	s.bus.Publish(bus.Event{
		Kind:      bus.KindPresenceChanged,
		Timestamp: time.Now(),
		Payload:   bus.PresenceChange{UserID: ev.UserID, Online: ev.Online},
	})
}

// IsOnline reports whether a user is currently known to be online.
func (s *Signaler) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.online[userID]
	return ok
}

// Close stops every pending timer. Safe to call more than once.
func (s *Signaler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, t := range s.idle {
		t.Stop()
	}
	for _, t := range s.remote {
		t.Stop()
	}
}

func (s *Signaler) send(ev wire.Event) {
	if err := s.sender.Send(ev); err != nil {
		s.logger.Debug("typing frame dropped", zap.Error(err))
	}
}

func (s *Signaler) publishTyping(convID string, typers []string) {
	s.bus.Publish(bus.Event{
		Kind:      bus.KindTypingChanged,
		Timestamp: time.Now(),
		Payload:   bus.TypingChange{ConversationID: convID, Typers: typers},
	})
}
