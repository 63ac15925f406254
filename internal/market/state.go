package market

import (
	"fmt"
	"strings"
)

// State is the guardian's trading posture.
type State string

const (
	StateSafe       State = "SAFE"
	StateWarning    State = "WARNING"
	StateTriggered  State = "TRIGGERED"
	StateRecovering State = "RECOVERING"
	// StateUnavailable is only ever reported by the gate, when the writer has failed.
	StateUnavailable State = "UNAVAILABLE"
)

// ParseState accepts any casing of the four guardian states.
func ParseState(raw string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("market: unknown guardian state %q", raw)
	}
	return s, nil
}

// Valid reports whether s is one of the four guardian states.
func (s State) Valid() bool {
	switch s {
	case StateSafe, StateWarning, StateTriggered, StateRecovering:
		return true
	}
	return false
}

// Halted reports whether the state forbids new positions.
func (s State) Halted() bool {
	return s != StateSafe
}

// Level orders states by restrictiveness; used by the state gauge.
func (s State) Level() int {
	switch s {
	case StateSafe:
		return 0
	case StateWarning:
		return 1
	case StateRecovering:
		return 2
	case StateTriggered:
		return 3
	default:
		return 4
	}
}
