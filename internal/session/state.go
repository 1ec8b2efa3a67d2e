package session

import "fmt"

// State is the lifecycle phase of a meeting session.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopping
	StateSummarizing
	StateCompleted
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateSummarizing:
		return "summarizing"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

var transitions = map[State][]State{
	StateIdle:        {StateRecording},
	StateRecording:   {StateStopping, StateError},
	StateStopping:    {StateSummarizing, StateCompleted, StateError},
	StateSummarizing: {StateCompleted, StateError},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// transition validates and applies a state change on the session.
func (a *activeSession) transition(next State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.state.CanTransition(next) {
		return fmt.Errorf("illegal session transition %s -> %s", a.state, next)
	}
	a.state = next
	return nil
}

func (a *activeSession) currentState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
