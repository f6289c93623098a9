package redwire

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of a ConnectionFactory. A factory owns
// exactly one state value, stored atomically; transitions are guarded by
// compare-and-swap so only one caller performs the work of an edge.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateStarted
	StateStopping
	StateStopped
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StateError reports an operation attempted while the factory was not in a
// state that permits it. The message distinguishes a factory that was never
// started from one that was stopped or destroyed.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	var reason string
	switch e.State {
	case StateDestroyed:
		reason = "factory is destroyed"
	case StateStopping, StateStopped:
		reason = "factory is stopped"
	default:
		reason = "factory is not started"
	}
	return fmt.Sprintf("redis: %s: %s", e.Op, reason)
}

// IsStateError reports whether err is a lifecycle state error.
func IsStateError(err error) bool {
	var stateErr *StateError
	return errors.As(err, &stateErr)
}
