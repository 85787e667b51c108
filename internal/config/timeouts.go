// Centralized timeout constants to eliminate magic numbers.
package config

import "time"

// Connection timeouts
const (
	// DefaultConnectTimeout bounds a single connection/handshake attempt
	DefaultConnectTimeout = 30 * time.Second

	// DefaultServerTimeout is the per-server operation timeout when the
	// config does not specify timeout_ms
	DefaultServerTimeout = 60 * time.Second

	// ListToolsTimeout bounds tool discovery after the handshake
	ListToolsTimeout = 30 * time.Second
)

// Health check & monitoring
const (
	// HealthCheckInterval is how often the health monitor probes live connections
	HealthCheckInterval = 30 * time.Second

	// ProbeTimeout bounds a single liveness probe. Independent of the
	// per-server timeout so one slow server cannot stall the health loop.
	ProbeTimeout = 5 * time.Second
)

// Reconnection backoff
const (
	// ReconnectBaseDelay is the delay before the first retry attempt
	ReconnectBaseDelay = 30 * time.Second

	// ReconnectMaxDelay caps the exponential backoff
	ReconnectMaxDelay = 480 * time.Second
)

// Shutdown & cleanup
const (
	// ShutdownTimeout bounds the entire connection teardown on exit;
	// connections that fail to close within it are logged and skipped
	ShutdownTimeout = 5 * time.Second

	// HTTPShutdownTimeout is the graceful shutdown bound for the HTTP server
	HTTPShutdownTimeout = 10 * time.Second
)

// Concurrency
const (
	// DefaultMaxConcurrentConnections limits parallel connection attempts
	// when a device connects with many enabled servers
	DefaultMaxConcurrentConnections = 10
)

// Event bus buffer sizes
const (
	// EventChannelBufferSize is the buffer size for individual event subscriptions
	EventChannelBufferSize = 100

	// EventChannelBufferSizeAll is the buffer size for subscribing to all events
	EventChannelBufferSizeAll = 500
)
