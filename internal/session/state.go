package session

// State is where the session currently sits in its lifecycle. Transitions
// run forward only; Failed is terminal and parallel to Closed.
type State int32

const (
	StateIdle State = iota
	StateDiscovering
	StateConnected
	StateSubscribed
	StateDisconnecting
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
