package upstream

// State is the lifecycle position of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingEndpoint
	StateReady
	StateClosing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingEndpoint:
		return "awaiting_endpoint"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
