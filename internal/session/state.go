package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a session.
type State int

const (
	// StateInitializing is the state between creation and the transport
	// reporting the channel open.
	StateInitializing State = iota

	// StateActive runs the turn loop.
	StateActive

	// StateDraining cancels in-flight work and waits for the session's
	// goroutines to exit.
	StateDraining

	// StateTerminated is absorbing.
	StateTerminated
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Trigger is an event that drives a state transition.
type Trigger int

const (
	TriggerChannelOpen Trigger = iota
	TriggerTurnCompleted
	TriggerDisconnect
	TriggerFatal
	TriggerDrained
	TriggerShutdown
)

// String returns the snake_case trigger name.
func (t Trigger) String() string {
	switch t {
	case TriggerChannelOpen:
		return "channel_open"
	case TriggerTurnCompleted:
		return "turn_completed"
	case TriggerDisconnect:
		return "disconnect"
	case TriggerFatal:
		return "fatal"
	case TriggerDrained:
		return "drained"
	case TriggerShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
}

var (
	// ErrTerminated is returned for any trigger applied to a terminated
	// session.
	ErrTerminated = errors.New("session: terminated")

	// ErrInvalidTransition is returned for a trigger the current state does
	// not accept.
	ErrInvalidTransition = errors.New("session: invalid transition")
)

// Transition returns the state reached from s on t. It is pure.
//
//	Initializing --channel_open-->        Active
//	Active       --turn_completed-->      Active
//	Initializing,Active,Draining --disconnect|fatal--> Draining
//	Draining     --drained-->             Terminated
//	any non-terminal --shutdown-->        Terminated
func Transition(s State, t Trigger) (State, error) {
	if s == StateTerminated {
		return s, ErrTerminated
	}
	switch t {
	case TriggerShutdown:
		return StateTerminated, nil
	case TriggerDisconnect, TriggerFatal:
		return StateDraining, nil
	case TriggerChannelOpen:
		if s == StateInitializing {
			return StateActive, nil
		}
	case TriggerTurnCompleted:
		if s == StateActive {
			return StateActive, nil
		}
	case TriggerDrained:
		if s == StateDraining {
			return StateTerminated, nil
		}
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, t, s)
}
