package stream

import (
	"fmt"
	"time"
)

// State is the connection state of a Manager
type State uint8

const (
	// StatePaused is the state before Start and while waiting for the next attempt
	StatePaused State = iota
	// StateConnecting is the state while an attempt waits for its first frame
	StateConnecting
	// StateOpen is the state after the first frame of a connection was received
	StateOpen
	// StateClosed is the terminal state
	StateClosed
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StatePaused:
		return "PAUSED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// EventType identifies the kind of an Event
type EventType uint8

const (
	EventOpen EventType = iota + 1
	EventMessage
	EventReconnect
	EventError
	EventClose
	EventState
)

// String returns the string representation of an EventType
func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventReconnect:
		return "reconnect"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	case EventState:
		return "state"
	default:
		return "unknown"
	}
}

// Event is delivered to every subscriber of a Manager
type Event struct {
	Type EventType

	Data []byte // Used for: EventMessage

	Attempt int           // Used for: EventReconnect (1 based)
	Delay   time.Duration // Used for: EventReconnect

	Err error // Used for: EventError

	From State // Used for: EventState
	To   State // Used for: EventState
}

// String returns a short description of the event, used for logging
func (e Event) String() string {
	switch e.Type {
	case EventMessage:
		return fmt.Sprintf("message (%d bytes)", len(e.Data))
	case EventReconnect:
		return fmt.Sprintf("reconnect attempt %d in %s", e.Attempt, e.Delay)
	case EventError:
		return fmt.Sprintf("error: %v", e.Err)
	case EventState:
		return fmt.Sprintf("state %s -> %s", e.From, e.To)
	default:
		return e.Type.String()
	}
}
