package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcprelay-go/internal/config"
	"mcprelay-go/internal/relay/conn"
	"mcprelay-go/internal/relay/types"
)

type fakeSource struct {
	mu           sync.Mutex
	conns        []*conn.Connection
	disconnected []types.ServerKey
}

func (f *fakeSource) LiveConnections() []*conn.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*conn.Connection(nil), f.conns...)
}

func (f *fakeSource) HandleServerDisconnection(key types.ServerKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, key)
}

func (f *fakeSource) disconnectedKeys() []types.ServerKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ServerKey(nil), f.disconnected...)
}

func connectedConn(t *testing.T, key types.ServerKey, transport *scriptedTransport) *conn.Connection {
	t.Helper()
	cfg := &config.ServerConfig{DeviceID: key.DeviceID, Name: key.ServerName, URL: "http://localhost:9000", Enabled: true}
	c := conn.New(key, cfg, func(_ context.Context, _ *config.ServerConfig) (conn.Transport, error) {
		return transport, nil
	}, zap.NewNop())
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestHealthMonitorReportsDeadConnections(t *testing.T) {
	mock := clock.NewMock()

	healthy := &scriptedTransport{}
	dead := &scriptedTransport{pingErr: errors.New("broken pipe")}

	keyHealthy := types.ServerKey{DeviceID: "dev-1", ServerName: "files"}
	keyDead := types.ServerKey{DeviceID: "dev-1", ServerName: "browser"}

	src := &fakeSource{conns: []*conn.Connection{
		connectedConn(t, keyHealthy, healthy),
		connectedConn(t, keyDead, dead),
	}}

	monitor := NewHealthMonitor(src, mock, 30*time.Second, time.Second, zap.NewNop())
	monitor.Start()
	defer monitor.Stop()

	// Let the probe loop install its ticker before advancing.
	time.Sleep(10 * time.Millisecond)
	mock.Add(30 * time.Second)

	assert.Eventually(t, func() bool {
		keys := src.disconnectedKeys()
		return len(keys) == 1 && keys[0] == keyDead
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthMonitorNoProbesWithoutConnections(t *testing.T) {
	mock := clock.NewMock()
	src := &fakeSource{}

	monitor := NewHealthMonitor(src, mock, 30*time.Second, time.Second, zap.NewNop())
	monitor.Start()
	defer monitor.Stop()

	time.Sleep(10 * time.Millisecond)
	mock.Add(90 * time.Second)

	assert.Empty(t, src.disconnectedKeys())
}

func TestHealthMonitorStopIsIdempotent(t *testing.T) {
	mock := clock.NewMock()
	monitor := NewHealthMonitor(&fakeSource{}, mock, 30*time.Second, time.Second, zap.NewNop())
	monitor.Start()

	monitor.Stop()
	monitor.Stop()
}
