package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/imclient/internal/bus"
)

// State is the lifecycle state of the real-time connection.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Open         State = "OPEN"
	Closing      State = "CLOSING"
	Closed       State = "CLOSED"
	Reconnecting State = "RECONNECTING"
)

var validTransitions = map[State][]State{
	Idle:         {Connecting, Closed},
	Connecting:   {Open, Closed},
	Open:         {Closing, Reconnecting, Closed},
	Closing:      {Closed},
	Closed:       {Connecting, Reconnecting},
	Reconnecting: {Connecting, Closed},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine in the Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CanTransition reports whether to is reachable from the current state.
func (m *Machine) CanTransition(to State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(validTransitions[m.current], to)
}

// Transition moves to a new state. Returns error if the move is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.NewEvent(bus.KindConnStateChanged, StatusChange{From: from, To: to}))
	return nil
}

// StatusChange is the payload for conn.state_changed events.
type StatusChange struct {
	From State
	To   State
}
