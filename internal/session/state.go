package session

import "fmt"

// State is the connection state of a [Controller].
type State int

const (
	Disconnected State = iota
	Connecting
	KeyExchange
	Authenticating
	Connected
	// Error is reported when a connection attempt fails.  It is
	// transient: the controller settles in Disconnected right after.
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case KeyExchange:
		return "key-exchange"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event describes one state transition.
type Event struct {
	State State

	// Err is the failure behind an Error event, or the reason a
	// connected session dropped.  It is nil for a requested disconnect.
	Err error

	// Terminal is set on the Disconnected event of a session that was
	// connected and ended without being asked to: the stream broke or
	// the network went away.  Hosts send the user back to login.
	Terminal bool

	// SessionID identifies the attempt the event belongs to.
	SessionID string
}

// Listener observes state transitions.  Listeners run synchronously on
// the goroutine that caused the transition and may call back into the
// controller.
type Listener func(Event)
