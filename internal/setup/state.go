// Package setup walks the client through unattended login and first-run
// configuration, tracking progress as an explicit state machine.
package setup

import "fmt"

// State is one step of the configuration sequence.
type State string

const (
	StateNotStarted         State = "not_started"
	StateWindowFound        State = "window_found"
	StateFocused            State = "focused"
	StateCredentialsEntered State = "credentials_entered"
	StateSubmitted          State = "submitted"
	StatePostSteps          State = "post_steps"
	StateConfigured         State = "configured"
)

// transitions lists the only forward edge out of each state. Any state may
// additionally reset to StateNotStarted when an attempt restarts.
var transitions = map[State]State{
	StateNotStarted:         StateWindowFound,
	StateWindowFound:        StateFocused,
	StateFocused:            StateCredentialsEntered,
	StateCredentialsEntered: StateSubmitted,
	StateSubmitted:          StatePostSteps,
	StatePostSteps:          StateConfigured,
}

// validTransition reports whether from -> to is an allowed edge.
func validTransition(from, to State) bool {
	if to == StateNotStarted {
		return true
	}
	return transitions[from] == to
}

// invalidTransitionError is returned when a script tries to skip a step.
func invalidTransitionError(from, to State) error {
	return fmt.Errorf("invalid configuration transition %s -> %s", from, to)
}
