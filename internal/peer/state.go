// Package peer drives one direct connection between two devices through the
// offer/answer handshake.
package peer

// State is the lifecycle of one connection.
type State int

const (
	Idle State = iota
	Connecting
	SignalSent
	Connected
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case SignalSent:
		return "signal-sent"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Closed || s == Failed
}

// Pending reports whether the handshake is still in progress.
func (s State) Pending() bool {
	return s == Idle || s == Connecting || s == SignalSent
}

// canTransition holds the forward-only edges of the state machine. Failed is
// reachable from every non-terminal state.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed {
		return true
	}
	switch from {
	case Idle:
		return to == Connecting
	case Connecting:
		return to == SignalSent
	case SignalSent:
		return to == Connected
	case Connected:
		return to == Closed
	}
	return false
}

// Role selects which side of the handshake a manager plays.
type Role int

const (
	// Initiator creates the offer and accepts the answer.
	Initiator Role = iota + 1
	// Responder accepts the offer and creates the answer.
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return "unknown"
	}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == Initiator || r == Responder
}
