package types

import "fmt"

// ConfigNotFoundError indicates there is no stored configuration for the
// requested (device, server) pair.
type ConfigNotFoundError struct {
	Key ServerKey
}

func (e *ConfigNotFoundError) Error() string {
	return fmt.Sprintf("no configuration found for server %s", e.Key)
}

// HandshakeError indicates the transport connected but the protocol
// handshake failed.
type HandshakeError struct {
	Key ServerKey
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with server %s failed: %v", e.Key, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TimeoutError indicates an operation exceeded its deadline.
type TimeoutError struct {
	Key       ServerKey
	Operation string
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out for server %s", e.Operation, e.Key)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// NotConnectedError indicates a tool call was attempted against a server
// that has no live connection.
type NotConnectedError struct {
	Key   ServerKey
	State ConnectionState
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("server %s is not connected (state: %s)", e.Key, e.State)
}

// ToolInvocationError indicates a tool call reached the server but failed,
// either with a transport error or an error result.
type ToolInvocationError struct {
	Key      ServerKey
	ToolName string
	Detail   string
	Err      error
}

func (e *ToolInvocationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("tool %s on server %s failed: %s", e.ToolName, e.Key, e.Detail)
	}
	return fmt.Sprintf("tool %s on server %s failed: %v", e.ToolName, e.Key, e.Err)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// ShutdownTimeoutError indicates some connections did not close within the
// shutdown deadline.
type ShutdownTimeoutError struct {
	Remaining []ServerKey
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("shutdown deadline exceeded with %d connections still closing", len(e.Remaining))
}
