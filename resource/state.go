package resource

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a Resource.
// Values are persisted and must not be renumbered.
type State int

const (
	// Dependencies are not all satisfied yet.
	WAITING State = iota
	// Every dependency reports OK, the job can be dispatched.
	READY
	// A process was launched and has not completed.
	RUNNING
	// Held by an operator or by a failed status update.
	ON_HOLD
	// The job ran and failed.
	ERROR
	// Terminal success, satisfies downstream dependencies.
	DONE
)

var allStates = []State{WAITING, READY, RUNNING, ON_HOLD, ERROR, DONE}

func (s State) String() string {
	switch s {
	case WAITING:
		return "WAITING"
	case READY:
		return "READY"
	case RUNNING:
		return "RUNNING"
	case ON_HOLD:
		return "ON_HOLD"
	case ERROR:
		return "ERROR"
	case DONE:
		return "DONE"
	default:
		panic(fmt.Sprintf("Unknown State: %d", s))
	}
}

// ParseState accepts the names returned by String, case insensitively.
func ParseState(s string) (State, error) {
	for _, st := range allStates {
		if strings.EqualFold(st.String(), s) {
			return st, nil
		}
	}
	return WAITING, fmt.Errorf("unknown state %q", s)
}

func (s State) IsValid() bool {
	return s >= WAITING && s <= DONE
}

// IsBlocking states never resolve by themselves.
func (s State) IsBlocking() bool {
	return s == ON_HOLD || s == ERROR
}

// IsWaiting states can be superseded when an experiment is restarted.
func (s State) IsWaiting() bool {
	return s == WAITING || s == READY || s == ON_HOLD
}

// CanBeReplaced reports whether a resource in this state may be overwritten
// by a new submission with the same locator.
func (s State) CanBeReplaced() bool {
	return s.IsWaiting() || s == ERROR
}

// IsActive states are expected to make progress without intervention.
func (s State) IsActive() bool {
	return s == WAITING || s == READY || s == RUNNING
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// StateMask is a set of states, used to query the store.
type StateMask uint64

func MaskForState(states ...State) StateMask {
	var m StateMask
	for _, st := range states {
		m |= 1 << uint(st)
	}
	return m
}

func (m StateMask) Matches(s State) bool {
	return m&(1<<uint(s)) != 0
}

// States lists the members of m in declaration order.
func (m StateMask) States() []State {
	var r []State
	for _, st := range allStates {
		if m.Matches(st) {
			r = append(r, st)
		}
	}
	return r
}

func (m StateMask) String() string {
	var names []string
	for _, st := range m.States() {
		names = append(names, st.String())
	}
	return "[" + strings.Join(names, "|") + "]"
}

var (
	AllMask      = MaskForState(allStates...)
	WaitingMask  = MaskForState(WAITING, READY, ON_HOLD)
	BlockingMask = MaskForState(ON_HOLD, ERROR)
	ActiveMask   = MaskForState(WAITING, READY, RUNNING)
)

// DependencyStatus is the status of a Dependency as computed by Accept.
type DependencyStatus int

const (
	DepUnknown DependencyStatus = iota
	DepOK
	DepWait
	DepHold
	DepError
	DepUnactive
)

func (s DependencyStatus) String() string {
	switch s {
	case DepUnknown:
		return "UNKNOWN"
	case DepOK:
		return "OK"
	case DepWait:
		return "WAIT"
	case DepHold:
		return "HOLD"
	case DepError:
		return "ERROR"
	case DepUnactive:
		return "UNACTIVE"
	default:
		panic(fmt.Sprintf("Unknown DependencyStatus: %d", s))
	}
}

func (s DependencyStatus) IsOK() bool {
	return s == DepOK
}

func (s DependencyStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *DependencyStatus) UnmarshalText(b []byte) error {
	for st := DepUnknown; st <= DepUnactive; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown dependency status %q", b)
}
