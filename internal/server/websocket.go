package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mcprelay-go/internal/device"
	"mcprelay-go/internal/events"
	"mcprelay-go/internal/relay"
	"mcprelay-go/internal/relay/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Devices authenticate with their pairing PIN, not an origin
		return true
	},
}

// deviceRequest is one message a device sends over its session.
type deviceRequest struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"` // "tool_call", "list_servers", "prompt"
	Server string         `json:"server,omitempty"`
	Tool   string         `json:"tool,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
}

// deviceResponse answers one deviceRequest.
type deviceResponse struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// devicePush is an unsolicited notification sent to a device when one of
// its servers changes state or its tool catalog updates.
type devicePush struct {
	Type     string `json:"type"` // always "event"
	Event    string `json:"event"`
	Server   string `json:"server,omitempty"`
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`
}

// SessionHub owns the active device WebSocket sessions and forwards
// connection events to the owning device.
type SessionHub struct {
	mu       sync.Mutex
	sessions map[string]*deviceSession

	manager  *relay.Manager
	registry *device.Registry
	bus      *events.Bus
	logger   *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

type deviceSession struct {
	deviceID string
	conn     *websocket.Conn
	send     chan []byte
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSessionHub creates a session hub and starts relaying server events
// from the bus to connected devices.
func NewSessionHub(manager *relay.Manager, registry *device.Registry, bus *events.Bus, logger *zap.Logger) *SessionHub {
	h := &SessionHub{
		sessions: make(map[string]*deviceSession),
		manager:  manager,
		registry: registry,
		bus:      bus,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	go h.watchEvents()
	return h
}

// watchEvents forwards server state changes and tool catalog updates to
// the session of the device that owns the server.
func (h *SessionHub) watchEvents() {
	stateCh := h.bus.Subscribe(events.ServerStateChanged)
	toolsCh := h.bus.Subscribe(events.ToolsUpdated)

	for {
		select {
		case ev, ok := <-stateCh:
			if !ok {
				return
			}
			h.forward(ev)
		case ev, ok := <-toolsCh:
			if !ok {
				return
			}
			h.forward(ev)
		case <-h.stopCh:
			return
		}
	}
}

func (h *SessionHub) forward(ev events.Event) {
	h.mu.Lock()
	session := h.sessions[ev.DeviceID]
	h.mu.Unlock()
	if session == nil {
		return
	}

	data, err := json.Marshal(devicePush{
		Type:     "event",
		Event:    string(ev.Type),
		Server:   ev.ServerName,
		OldState: ev.OldState,
		NewState: ev.NewState,
	})
	if err != nil {
		return
	}

	select {
	case session.send <- data:
	default:
		// Slow device, drop the notification
	}
}

// HandleDeviceSocket authenticates and upgrades one device session. A new
// session for a device replaces any existing one.
func (h *SessionHub) HandleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	pin := r.URL.Query().Get("pin")

	if _, err := h.registry.Authenticate(deviceID, pin); err != nil {
		h.logger.Warn("Device authentication failed",
			zap.String("device", deviceID), zap.Error(err))
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade device socket", zap.Error(err))
		return
	}

	session := &deviceSession{
		deviceID: deviceID,
		conn:     conn,
		send:     make(chan []byte, 64),
		stopCh:   make(chan struct{}),
	}

	h.mu.Lock()
	if old, ok := h.sessions[deviceID]; ok {
		old.stop()
	}
	h.sessions[deviceID] = session
	h.mu.Unlock()

	h.registry.MarkOnline(deviceID)
	h.logger.Info("Device session opened", zap.String("device", deviceID))

	// Connect the device's enabled servers without blocking the session.
	go h.manager.OnDeviceConnected(context.Background(), deviceID)

	go h.writeLoop(session)
	h.readLoop(session)

	h.teardown(session)
}

func (h *SessionHub) teardown(session *deviceSession) {
	session.stop()

	h.mu.Lock()
	if current, ok := h.sessions[session.deviceID]; ok && current == session {
		delete(h.sessions, session.deviceID)
	}
	h.mu.Unlock()

	h.registry.MarkOffline(session.deviceID)
	h.manager.OnDeviceDisconnected(context.Background(), session.deviceID)
	h.logger.Info("Device session closed", zap.String("device", session.deviceID))
}

func (s *deviceSession) stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		_ = s.conn.Close()
	})
}

func (h *SessionHub) readLoop(session *deviceSession) {
	session.conn.SetReadLimit(maxMessageSize)
	_ = session.conn.SetReadDeadline(time.Now().Add(pongWait))
	session.conn.SetPongHandler(func(string) error {
		return session.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := session.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Device socket read error",
					zap.String("device", session.deviceID), zap.Error(err))
			}
			return
		}

		var req deviceRequest
		if err := json.Unmarshal(data, &req); err != nil {
			h.respond(session, deviceResponse{Error: "invalid message"})
			continue
		}

		go h.dispatch(session, &req)
	}
}

func (h *SessionHub) writeLoop(session *deviceSession) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-session.send:
			_ = session.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = session.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := session.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = session.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := session.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-session.stopCh:
			return
		}
	}
}

// dispatch handles one device request off the read loop so a slow tool
// call cannot stall keepalives.
func (h *SessionHub) dispatch(session *deviceSession, req *deviceRequest) {
	resp := deviceResponse{ID: req.ID}

	switch req.Type {
	case "tool_call":
		key := types.ServerKey{DeviceID: session.deviceID, ServerName: req.Server}
		result, err := h.manager.HandleToolCall(context.Background(), key, req.Tool, req.Args)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.OK = true
			resp.Result = result
		}

	case "list_servers":
		overview, err := h.manager.GetDeviceServers(session.deviceID)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.OK = true
			resp.Result = overview
		}

	case "prompt":
		resp.OK = true
		resp.Result = h.manager.BuildToolPrompt(session.deviceID)

	default:
		resp.Error = "unknown request type"
	}

	h.respond(session, resp)
}

func (h *SessionHub) respond(session *deviceSession, resp deviceResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	select {
	case session.send <- data:
	case <-session.stopCh:
	}
}

// CloseAll terminates every active session and stops event forwarding.
func (h *SessionHub) CloseAll() {
	h.stopOnce.Do(func() { close(h.stopCh) })

	h.mu.Lock()
	sessions := make([]*deviceSession, 0, len(h.sessions))
	for _, session := range h.sessions {
		sessions = append(sessions, session)
	}
	h.sessions = make(map[string]*deviceSession)
	h.mu.Unlock()

	for _, session := range sessions {
		session.stop()
	}
}

// ActiveSessions returns the IDs of currently connected devices.
func (h *SessionHub) ActiveSessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	return ids
}
