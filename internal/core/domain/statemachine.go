package domain

import "fmt"

// InvalidTransitionError signals a transition not present in the table.
// It indicates a programming bug in the caller.
type InvalidTransitionError struct {
	From PaymentState
	To   PaymentState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

// TerminalStateError signals an attempted transition out of SUCCESS or
// FAILURE. Distinguished from InvalidTransitionError so operators can tell
// a bug from a concurrent finish.
type TerminalStateError struct {
	State PaymentState
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("payment is in terminal state %s", e.State)
}

// ConcurrentModificationError signals that the aggregate changed underneath
// a compare-and-swap.
type ConcurrentModificationError struct {
	Expected PaymentState
	Actual   PaymentState
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification: expected state %s, found %s", e.Expected, e.Actual)
}

// transitions is the full transition relation. Terminal states map to an
// empty set.
var transitions = map[PaymentState][]PaymentState{
	StateInitiated:     {StateAuthenticated, StateFailure},
	StateAuthenticated: {StateProcessing, StateFailure},
	StateProcessing:    {StateSuccess, StateFailure},
	StateSuccess:       {},
	StateFailure:       {},
}

// StateMachine is the pure transition relation for payments. It holds no
// mutable state; a single instance is shared process-wide.
type StateMachine struct{}

// NewStateMachine builds the state machine after self-verifying the
// transition table: every state must be reachable from INITIATED and
// terminal states must have no successors.
func NewStateMachine() (*StateMachine, error) {
	sm := &StateMachine{}
	if err := sm.verify(); err != nil {
		return nil, err
	}
	return sm, nil
}

// IsValid reports whether from -> to is an allowed transition.
func (sm *StateMachine) IsValid(from, to PaymentState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate returns a typed error when from -> to is not allowed.
func (sm *StateMachine) Validate(from, to PaymentState) error {
	if sm.IsValid(from, to) {
		return nil
	}
	if from == StateSuccess || from == StateFailure {
		return &TerminalStateError{State: from}
	}
	return &InvalidTransitionError{From: from, To: to}
}

// ValidNextStates returns the allowed successor states of from.
func (sm *StateMachine) ValidNextStates(from PaymentState) []PaymentState {
	next := transitions[from]
	out := make([]PaymentState, len(next))
	copy(out, next)
	return out
}

// CompareAndSwap validates a transition against the state actually loaded.
// A mismatch between expected and actual means another writer got there
// first.
func (sm *StateMachine) CompareAndSwap(expected, actual, next PaymentState) error {
	if expected != actual {
		return &ConcurrentModificationError{Expected: expected, Actual: actual}
	}
	return sm.Validate(actual, next)
}

func (sm *StateMachine) verify() error {
	// Terminal states must be absorbing.
	for _, s := range []PaymentState{StateSuccess, StateFailure} {
		if len(transitions[s]) != 0 {
			return fmt.Errorf("state machine: terminal state %s has successors", s)
		}
	}

	// Every state must be reachable from INITIATED.
	reachable := map[PaymentState]bool{StateInitiated: true}
	queue := []PaymentState{StateInitiated}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, next := range transitions[s] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	for s := range transitions {
		if !reachable[s] {
			return fmt.Errorf("state machine: state %s unreachable from %s", s, StateInitiated)
		}
	}
	return nil
}
