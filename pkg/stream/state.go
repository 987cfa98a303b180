package stream

// ConnectionState describes the lifecycle state of the upstream connection.
// It is owned exclusively by the connection manager; consumers read it through
// Client.State and the state-change event.
type ConnectionState int

const (
	// StateDisconnected means no connection exists and none is being attempted.
	StateDisconnected ConnectionState = iota
	// StateConnecting means a connection attempt is in flight.
	StateConnecting
	// StateConnected means the transport is open and frames flow.
	StateConnected
	// StateReconnecting means the last attempt failed and a retry is scheduled.
	StateReconnecting
	// StateFailed means the retry budget is exhausted; a manual Connect is
	// required to start over with a fresh backoff.
	StateFailed
)

// String implements fmt.Stringer.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
