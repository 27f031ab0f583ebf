package connection

import "time"

// State is the lifecycle of the avatar session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StatusText is the short label shown next to the avatar.
func (s State) StatusText() string {
	switch s {
	case StateConnecting:
		return "Conectando..."
	case StateConnected:
		return "Conectado"
	default:
		return "Desconectado"
	}
}

// StateChange represents a state transition event.
type StateChange struct {
	From      State
	To        State
	Reason    string
	Err       error
	Timestamp time.Time
}

// Listener observes connection state changes. It is called without the
// manager lock held, so it may call back into the manager.
type Listener interface {
	OnStateChange(event StateChange)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(StateChange)

func (f ListenerFunc) OnStateChange(event StateChange) { f(event) }

var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateFailed, StateDisconnected},
	StateConnected:    {StateDisconnected},
	StateFailed:       {StateConnecting, StateDisconnected},
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
