package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle phase of one paired conversation.
type State int

const (
	Unpaired State = iota
	Connecting
	Active
	Suspended
	Closed
)

func (s State) String() string {
	switch s {
	case Unpaired:
		return "unpaired"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Suspended:
		return "suspended"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[State][]State{
	Unpaired:   {Connecting, Closed},
	Connecting: {Active, Closed},
	Active:     {Suspended, Closed},
	Suspended:  {Active, Closed},
}

// ErrInvalidTransition is wrapped by Machine.Transition for disallowed moves.
var ErrInvalidTransition = errors.New("invalid session state transition")

// Machine enforces the session lifecycle. It is not safe for concurrent use;
// the owning session loop is its only caller.
type Machine struct {
	state State
}

// NewMachine starts in Unpaired.
func NewMachine() *Machine {
	return &Machine{state: Unpaired}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// CanTransition reports whether moving to next is allowed.
func (m *Machine) CanTransition(next State) bool {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition moves to next and returns the previous state.
func (m *Machine) Transition(next State) (State, error) {
	prev := m.state
	if !m.CanTransition(next) {
		return prev, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}
	m.state = next
	return prev, nil
}

// Terminal reports whether the machine reached Closed.
func (m *Machine) Terminal() bool {
	return m.state == Closed
}
