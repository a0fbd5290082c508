package conn

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatd/internal/bus"
)

// State represents the connection lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	Failed       State = "FAILED"
)

// validTransitions defines allowed state transitions. Only one attempt is
// in flight at a time, so transitions are strictly sequential.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Failed, Disconnected},
	Connected:    {Reconnecting, Failed, Disconnected},
	Reconnecting: {Connecting, Failed, Disconnected},
	Failed:       {Connecting, Disconnected},
}

// StateChange is the payload for conn.state events.
type StateChange struct {
	From State
	To   State
}

// Machine tracks and enforces connection state transitions. It is owned
// exclusively by the Manager; everyone else only reads.
type Machine struct {
	mu        sync.RWMutex
	current   State
	bus       *bus.Bus
	listeners []func(StateChange)
}

// NewMachine creates a state machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a listener invoked synchronously on every transition.
// Register before the manager starts; listeners must not block.
func (m *Machine) OnChange(fn func(StateChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid; a transition to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	if m.current == to {
		m.mu.Unlock()
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		cur := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", cur, to)
	}
	from := m.current
	m.current = to
	listeners := m.listeners
	m.mu.Unlock()

	change := StateChange{From: from, To: to}
	for _, fn := range listeners {
		fn(change)
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindConnState,
			Timestamp: time.Now(),
			Payload:   change,
		})
	}
	return nil
}
