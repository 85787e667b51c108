package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcprelay-go/internal/config"
	"mcprelay-go/internal/device"
	"mcprelay-go/internal/events"
	"mcprelay-go/internal/relay"
	"mcprelay-go/internal/relay/conn"
	"mcprelay-go/internal/storage"
)

// stubTransport answers every tool call with a fixed result.
type stubTransport struct{}

func (stubTransport) Initialize(_ context.Context) (*conn.ServerInfo, error) {
	return &conn.ServerInfo{Name: "stub", Version: "1.0", ProtocolVersion: "2025-03-26"}, nil
}

func (stubTransport) ListTools(_ context.Context) ([]conn.Tool, error) {
	return []conn.Tool{{Name: "echo", Description: "Echo the input"}}, nil
}

func (stubTransport) CallTool(_ context.Context, _ string, args map[string]any) (*conn.CallResult, error) {
	return &conn.CallResult{Text: fmt.Sprintf("echo:%v", args["msg"])}, nil
}

func (stubTransport) Ping(_ context.Context) error { return nil }
func (stubTransport) Close() error                 { return nil }

func stubDialer(_ context.Context, _ *config.ServerConfig) (conn.Transport, error) {
	return stubTransport{}, nil
}

type serverFixture struct {
	server   *Server
	ts       *httptest.Server
	registry *device.Registry
	store    *storage.BoltStore
	manager  *relay.Manager
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	cfg := config.DefaultConfig()
	logger := zap.NewNop()

	store, err := storage.NewBoltStore(t.TempDir(), logger)
	require.NoError(t, err)

	bus := events.NewBus()
	manager := relay.NewManager(cfg, store, bus, logger, relay.WithDialer(stubDialer))
	registry := device.NewRegistry(store, logger)

	srv := NewServer(cfg, manager, registry, store, bus, logger)
	ts := httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		ts.Close()
		srv.sessions.CloseAll()
		_ = manager.Shutdown(context.Background())
		bus.Close()
		_ = store.Close()
	})

	return &serverFixture{server: srv, ts: ts, registry: registry, store: store, manager: manager}
}

func (f *serverFixture) request(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (f *serverFixture) registerDevice(t *testing.T) (id, pin string) {
	t.Helper()
	record, err := f.registry.Register("test-device")
	require.NoError(t, err)
	return record.ID, record.PIN
}

func (f *serverFixture) addServerConfig(t *testing.T, deviceID, name string, enabled bool) {
	t.Helper()
	require.NoError(t, f.store.SaveServerConfig(&storage.ServerConfigRecord{
		DeviceID: deviceID,
		Name:     name,
		URL:      "http://localhost:9000/mcp",
		Enabled:  enabled,
	}))
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)

	resp, body := f.request(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterAndListDevices(t *testing.T) {
	f := newServerFixture(t)

	resp, body := f.request(t, http.MethodPost, "/api/v1/devices", map[string]string{"label": "bench"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, body["id"])
	assert.Len(t, body["pin"], 6)

	resp, body = f.request(t, http.MethodGet, "/api/v1/devices", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])
}

func TestCreateAndListServers(t *testing.T) {
	f := newServerFixture(t)
	deviceID, _ := f.registerDevice(t)

	resp, body := f.request(t, http.MethodPost, "/api/v1/devices/"+deviceID+"/servers", map[string]any{
		"name":    "files",
		"url":     "http://localhost:9000/mcp",
		"enabled": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "disconnected", body["state"], "device offline, no connection yet")

	resp, body = f.request(t, http.MethodGet, "/api/v1/devices/"+deviceID+"/servers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])
}

func TestCreateServerInvalidConfig(t *testing.T) {
	f := newServerFixture(t)
	deviceID, _ := f.registerDevice(t)

	resp, _ := f.request(t, http.MethodPost, "/api/v1/devices/"+deviceID+"/servers", map[string]any{
		"name": "broken",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerStatusNotFound(t *testing.T) {
	f := newServerFixture(t)
	deviceID, _ := f.registerDevice(t)

	resp, _ := f.request(t, http.MethodGet, "/api/v1/devices/"+deviceID+"/servers/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInitAndCallTool(t *testing.T) {
	f := newServerFixture(t)
	deviceID, _ := f.registerDevice(t)
	f.addServerConfig(t, deviceID, "files", true)

	resp, body := f.request(t, http.MethodPost, "/api/v1/devices/"+deviceID+"/servers/files/init", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["connected"])

	resp, body = f.request(t, http.MethodPost, "/api/v1/devices/"+deviceID+"/servers/files/tools/echo",
		map[string]any{"msg": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "echo:hello", body["result"])
}

func TestCallToolNotConnected(t *testing.T) {
	f := newServerFixture(t)
	deviceID, _ := f.registerDevice(t)
	f.addServerConfig(t, deviceID, "files", true)

	resp, _ := f.request(t, http.MethodPost, "/api/v1/devices/"+deviceID+"/servers/files/tools/echo", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestToggleServer(t *testing.T) {
	f := newServerFixture(t)
	deviceID, _ := f.registerDevice(t)
	f.addServerConfig(t, deviceID, "files", true)

	_, _ = f.request(t, http.MethodPost, "/api/v1/devices/"+deviceID+"/servers/files/init", nil)

	resp, body := f.request(t, http.MethodPost, "/api/v1/devices/"+deviceID+"/servers/files/toggle",
		map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["enabled"])

	record, err := f.store.GetServerConfig(deviceID, "files")
	require.NoError(t, err)
	assert.False(t, record.Enabled)
}

func TestDeleteServer(t *testing.T) {
	f := newServerFixture(t)
	deviceID, _ := f.registerDevice(t)
	f.addServerConfig(t, deviceID, "files", true)

	req, err := http.NewRequest(http.MethodDelete, f.ts.URL+"/api/v1/devices/"+deviceID+"/servers/files", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = f.store.GetServerConfig(deviceID, "files")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestToolPromptEndpoint(t *testing.T) {
	f := newServerFixture(t)
	deviceID, _ := f.registerDevice(t)
	f.addServerConfig(t, deviceID, "files", true)

	_, _ = f.request(t, http.MethodPost, "/api/v1/devices/"+deviceID+"/servers/files/init", nil)

	resp, body := f.request(t, http.MethodGet, "/api/v1/devices/"+deviceID+"/prompt", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	prompt, _ := body["prompt"].(string)
	assert.Contains(t, prompt, "echo")
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

// readResponse reads frames until the response with the given id arrives,
// skipping event pushes the hub interleaves.
func readResponse(t *testing.T, ws *websocket.Conn, id string) deviceResponse {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var raw map[string]any
		require.NoError(t, ws.ReadJSON(&raw))
		if raw["id"] != id {
			continue
		}
		data, err := json.Marshal(raw)
		require.NoError(t, err)
		var resp deviceResponse
		require.NoError(t, json.Unmarshal(data, &resp))
		return resp
	}
}

func TestDeviceSocketRejectsBadPIN(t *testing.T) {
	f := newServerFixture(t)
	deviceID, _ := f.registerDevice(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(f.ts, "/ws/device/"+deviceID+"?pin=000000"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDeviceSocketSession(t *testing.T) {
	f := newServerFixture(t)
	deviceID, pin := f.registerDevice(t)
	f.addServerConfig(t, deviceID, "files", true)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(f.ts, "/ws/device/"+deviceID+"?pin="+pin), nil)
	require.NoError(t, err)
	defer ws.Close()

	// The session marks the device online and connects its servers.
	assert.Eventually(t, func() bool {
		return f.registry.IsOnline(deviceID) && len(f.manager.LiveConnections()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.WriteJSON(deviceRequest{
		ID:     "req-1",
		Type:   "tool_call",
		Server: "files",
		Tool:   "echo",
		Args:   map[string]any{"msg": "hi"},
	}))

	resp := readResponse(t, ws, "req-1")
	assert.True(t, resp.OK)
	assert.Equal(t, "echo:hi", resp.Result)

	// Closing the socket tears the device down.
	ws.Close()
	assert.Eventually(t, func() bool {
		return !f.registry.IsOnline(deviceID) && len(f.manager.LiveConnections()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeviceSocketUnknownRequestType(t *testing.T) {
	f := newServerFixture(t)
	deviceID, pin := f.registerDevice(t)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(f.ts, "/ws/device/"+deviceID+"?pin="+pin), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(deviceRequest{ID: "req-2", Type: "bogus"}))

	resp := readResponse(t, ws, "req-2")
	assert.False(t, resp.OK)
	assert.Equal(t, "unknown request type", resp.Error)
}

func TestDeviceSocketReceivesServerEvents(t *testing.T) {
	f := newServerFixture(t)
	deviceID, pin := f.registerDevice(t)
	f.addServerConfig(t, deviceID, "files", true)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(f.ts, "/ws/device/"+deviceID+"?pin="+pin), nil)
	require.NoError(t, err)
	defer ws.Close()

	// Attaching the session connects the server; the device must observe
	// the transition on its own socket.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var push devicePush
		require.NoError(t, ws.ReadJSON(&push))
		if push.Type == "event" && push.Event == string(events.ServerStateChanged) && push.NewState == "connected" {
			assert.Equal(t, "files", push.Server)
			return
		}
	}
}
