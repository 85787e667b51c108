// Package types defines the shared types of the relay connection manager.
package types

// ConnectionState represents the lifecycle state of a tool server connection
type ConnectionState int

const (
	// StateDisconnected means no connection exists and none is being attempted
	StateDisconnected ConnectionState = iota
	// StateConnecting means a connection attempt is in progress
	StateConnecting
	// StateConnected means the handshake completed and tools are available
	StateConnected
	// StateReconnecting means the connection was lost and a retry is pending
	StateReconnecting
	// StateFailed means the last attempt failed and no retry is pending
	StateFailed
)

// String returns the string representation of the connection state
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

// IsTerminal reports whether the state requires external action to leave
func (s ConnectionState) IsTerminal() bool {
	return s == StateFailed || s == StateDisconnected
}
