package session

// State is a session's position in the connection lifecycle.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateBridging
	StateBridged
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateBridging:
		return "bridging"
	case StateBridged:
		return "bridged"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
