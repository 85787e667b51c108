package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{StateFailed, "failed"},
		{ConnectionState(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestServerKeyString(t *testing.T) {
	key := ServerKey{DeviceID: "dev-1", ServerName: "files"}
	assert.Equal(t, "dev-1/files", key.String())
}

func TestServerKeyComparable(t *testing.T) {
	a := ServerKey{DeviceID: "dev-1", ServerName: "files"}
	b := ServerKey{DeviceID: "dev-1", ServerName: "files"}
	c := ServerKey{DeviceID: "dev-2", ServerName: "files"}

	m := map[ServerKey]int{a: 1}
	assert.Equal(t, 1, m[b])
	_, ok := m[c]
	assert.False(t, ok)
}

func TestErrorsMatchWithErrorsAs(t *testing.T) {
	key := ServerKey{DeviceID: "dev-1", ServerName: "files"}

	var wrapped error = fmt.Errorf("initialize: %w", &HandshakeError{Key: key, Err: errors.New("boom")})
	var handshakeErr *HandshakeError
	assert.True(t, errors.As(wrapped, &handshakeErr))
	assert.Equal(t, key, handshakeErr.Key)

	wrapped = fmt.Errorf("call: %w", &NotConnectedError{Key: key, State: StateReconnecting})
	var notConnected *NotConnectedError
	assert.True(t, errors.As(wrapped, &notConnected))
	assert.Equal(t, StateReconnecting, notConnected.State)
}

func TestTimeoutErrorUnwrap(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	err := &TimeoutError{Key: ServerKey{DeviceID: "d", ServerName: "s"}, Operation: "connect", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connect")
	assert.Contains(t, err.Error(), "d/s")
}

func TestToolInvocationErrorMessage(t *testing.T) {
	key := ServerKey{DeviceID: "dev-1", ServerName: "files"}

	err := &ToolInvocationError{Key: key, ToolName: "read_file", Detail: "no such path"}
	assert.Contains(t, err.Error(), "read_file")
	assert.Contains(t, err.Error(), "no such path")

	cause := errors.New("connection reset")
	err = &ToolInvocationError{Key: key, ToolName: "read_file", Err: cause}
	assert.ErrorIs(t, err, cause)
}

func TestShutdownTimeoutError(t *testing.T) {
	err := &ShutdownTimeoutError{Remaining: []ServerKey{
		{DeviceID: "dev-1", ServerName: "a"},
		{DeviceID: "dev-1", ServerName: "b"},
	}}
	assert.Contains(t, err.Error(), "2 connections")
}
