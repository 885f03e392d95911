package net

// State is a step of one delivery attempt.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StatePublishing
	StateAcknowledged
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePublishing:
		return "publishing"
	case StateAcknowledged:
		return "acknowledged"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
