package status

import (
	"testing"

	"github.com/matheus3301/souk/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != SignedOut {
		t.Errorf("initial state = %s, want SIGNED_OUT", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{SignedOut, SigningIn},
		{SigningIn, SignedIn},
		{SigningIn, SignedOut},
		{SignedIn, SignedOut},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(SignedIn); err == nil {
		t.Error("Transition(SIGNED_OUT -> SIGNED_IN) should fail; sign-in must pass through SIGNING_IN")
	}
	if m.Current() != SignedOut {
		t.Errorf("state = %s, want SIGNED_OUT (should not have changed)", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(SigningIn); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindSessionStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindSessionStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != SignedOut || change.To != SigningIn {
		t.Errorf("change = %v -> %v, want SIGNED_OUT -> SIGNING_IN", change.From, change.To)
	}
}

// TestEnsureSignedOutIsIdempotent verifies the forced-logout path: the first
// call publishes a change, the second is a silent no-op.
func TestEnsureSignedOutIsIdempotent(t *testing.T) {
	b := bus.New()
	m := NewMachine(b)
	walkTo(t, m, SignedIn)

	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	if !m.Ensure(SignedOut) {
		t.Fatal("first Ensure(SIGNED_OUT) reported no change")
	}
	if m.Ensure(SignedOut) {
		t.Fatal("second Ensure(SIGNED_OUT) reported a change")
	}
	if m.Current() != SignedOut {
		t.Errorf("state = %s, want SIGNED_OUT", m.Current())
	}
	if got := len(ch); got != 1 {
		t.Errorf("published %d events, want 1", got)
	}
}

// TestSignInLifecycle walks a full sign-in / sign-out cycle twice.
func TestSignInLifecycle(t *testing.T) {
	m := NewMachine(nil)
	steps := []State{SigningIn, SignedIn, SignedOut, SigningIn, SignedIn}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != SignedIn {
		t.Errorf("final state = %s, want SIGNED_IN", m.Current())
	}
}

func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		SignedOut: {},
		SigningIn: {SigningIn},
		SignedIn:  {SigningIn, SignedIn},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
