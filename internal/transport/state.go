package transport

// State is the connection lifecycle state of the channel.
type State uint8

const (
	// StateDisconnected means no connection exists and none is being attempted.
	// It is the initial state and the terminal state after Disconnect.
	StateDisconnected State = iota
	// StateConnecting means the first dial is in flight.
	StateConnecting
	// StateConnected means the physical connection is live and Send is accepted.
	StateConnected
	// StateReconnecting means the connection was lost and the retry loop is active.
	StateReconnecting
)

// String returns the lowercase state name used in logs and UI indicators.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
