package gatt

// ConnectionState is the lifecycle state of a link. Transitions happen only
// in response to transport events; there is exactly one state machine per
// link and it runs on the link's event-processing loop.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// validTransition reports whether moving from to next follows the lifecycle.
// A transport-reported Disconnected is accepted from any state: the remote
// side can drop the link at any moment.
func validTransition(from, next ConnectionState) bool {
	if next == StateDisconnected {
		return true
	}
	switch from {
	case StateDisconnected:
		return next == StateConnecting
	case StateConnecting:
		return next == StateConnected
	case StateConnected:
		return next == StateDisconnecting
	case StateDisconnecting:
		return false
	}
	return false
}
