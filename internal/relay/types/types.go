package types

import "time"

// Connection modes
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// ServerKey identifies one tool server connection. A device may run several
// tool servers and a server name may repeat across devices, so both parts
// are required.
type ServerKey struct {
	DeviceID   string `json:"device_id"`
	ServerName string `json:"server_name"`
}

// String renders the key as "<device>/<server>" for logs and metrics.
func (k ServerKey) String() string {
	return k.DeviceID + "/" + k.ServerName
}

// ToolInfo describes one tool exposed by a connected server
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	UsageCount  uint64 `json:"usage_count"`
}

// ServerStatus is a point-in-time snapshot of one connection
type ServerStatus struct {
	Key             ServerKey       `json:"key"`
	State           ConnectionState `json:"-"`
	StateName       string          `json:"state"`
	Connected       bool            `json:"connected"`
	Enabled         bool            `json:"enabled"`
	Mode            string          `json:"mode,omitempty"`
	ToolCount       int             `json:"tool_count"`
	ProtocolVersion string          `json:"protocol_version,omitempty"`
	ServerName      string          `json:"server_name,omitempty"`
	ServerVersion   string          `json:"server_version,omitempty"`
	LastContact     time.Time       `json:"last_contact,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	RetryAttempts   int             `json:"retry_attempts,omitempty"`
	NextRetryAt     time.Time       `json:"next_retry_at,omitempty"`
}

// ServerOverview summarizes all connections of one device
type ServerOverview struct {
	DeviceID  string          `json:"device_id"`
	Servers   []*ServerStatus `json:"servers"`
	Connected int             `json:"connected"`
	Total     int             `json:"total"`
}
