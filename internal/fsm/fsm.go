// Package fsm holds the therapy session state machine.
package fsm

import "fmt"

type State string

type Event string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateConnected    State = "connected"
	StateEnding       State = "ending"
	StateEnded        State = "ended"
	StateErrored      State = "errored"
)

const (
	EventStart   Event = "start"
	EventConnect Event = "connect"
	EventFail    Event = "fail"
	EventEnd     Event = "end"
	EventEnded   Event = "ended"
)

// IsTerminal reports whether no further transitions are possible.
func IsTerminal(s State) bool {
	return s == StateEnded || s == StateErrored
}

func Transition(current State, event Event) (State, error) {
	if IsTerminal(current) {
		return current, invalidTransition(current, event)
	}

	switch event {
	case EventFail:
		return StateErrored, nil
	case EventEnd:
		if current == StateEnding {
			return current, invalidTransition(current, event)
		}
		return StateEnding, nil
	}

	switch current {
	case StateIdle:
		switch event {
		case EventStart:
			return StateInitializing, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateInitializing:
		switch event {
		case EventConnect:
			return StateConnected, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateConnected:
		return current, invalidTransition(current, event)
	case StateEnding:
		switch event {
		case EventEnded:
			return StateEnded, nil
		default:
			return current, invalidTransition(current, event)
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
