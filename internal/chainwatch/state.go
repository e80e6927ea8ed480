package chainwatch

// ConnectionState describes the ingestor's subscription health.
//
// Transitions: Connecting -> Subscribed on successful subscription;
// Subscribed -> Degraded when a liveness probe fails or the log channel
// closes; Degraded -> Reconnecting when a reconnect attempt starts;
// Reconnecting -> Subscribed on success, else the ingestor stays in
// Reconnecting and retries on the next probe tick.
type ConnectionState int32

// Connection states.
const (
	StateConnecting ConnectionState = iota
	StateSubscribed
	StateDegraded
	StateReconnecting
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
