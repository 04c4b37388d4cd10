package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/souk/internal/bus"
)

// State is the observable authentication state of a profile.
type State string

const (
	SignedOut State = "SIGNED_OUT"
	SigningIn State = "SIGNING_IN"
	SignedIn  State = "SIGNED_IN"
)

// validTransitions defines allowed state transitions. An in-place token
// refresh keeps the machine in SignedIn.
var validTransitions = map[State][]State{
	SignedOut: {SigningIn},
	SigningIn: {SignedIn, SignedOut},
	SignedIn:  {SignedOut},
}

// Machine tracks and enforces session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in SignedOut.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: SignedOut,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// The change event is published before Transition returns.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	m.publish(m.current, to)
	return nil
}

// Ensure moves to the given state if the machine is not already there.
// Unlike Transition it never fails: it is used for teardown paths such as a
// forced logout, which must land in SignedOut from any state.
func (m *Machine) Ensure(to State) (changed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == to {
		return false
	}
	m.publish(m.current, to)
	return true
}

// must be called with mu held.
func (m *Machine) publish(from, to State) {
	m.current = to
	m.bus.Publish(bus.NewEvent(bus.KindSessionStatusChanged, StatusChange{
		From: from,
		To:   to,
	}))
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
