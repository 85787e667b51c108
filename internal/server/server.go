// Package server exposes the relay's HTTP API and device WebSocket
// endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mcprelay-go/internal/config"
	"mcprelay-go/internal/device"
	"mcprelay-go/internal/events"
	"mcprelay-go/internal/relay"
	"mcprelay-go/internal/relay/types"
	"mcprelay-go/internal/storage"
)

// ConfigStore is the storage surface the HTTP API needs.
type ConfigStore interface {
	GetServerConfig(deviceID, serverName string) (*storage.ServerConfigRecord, error)
	ListServerConfigs(deviceID string) ([]*storage.ServerConfigRecord, error)
	SaveServerConfig(record *storage.ServerConfigRecord) error
	DeleteServerConfig(deviceID, serverName string) error
}

// Server hosts the REST API, the metrics endpoint, and device sessions.
type Server struct {
	cfg      *config.Config
	manager  *relay.Manager
	registry *device.Registry
	store    ConfigStore
	logger   *zap.Logger

	sessions   *SessionHub
	httpServer *http.Server
}

// NewServer wires the HTTP layer. Start must be called to begin serving.
func NewServer(cfg *config.Config, manager *relay.Manager, registry *device.Registry, store ConfigStore, bus *events.Bus, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		manager:  manager,
		registry: registry,
		store:    store,
		logger:   logger,
	}
	s.sessions = NewSessionHub(manager, registry, bus, logger)

	s.httpServer = &http.Server{
		Addr:    cfg.Listen,
		Handler: s.Router(),
	}
	return s
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/", s.handleRegisterDevice)

			r.Route("/{deviceID}", func(r chi.Router) {
				r.Delete("/", s.handleRemoveDevice)
				r.Get("/prompt", s.handleToolPrompt)

				r.Route("/servers", func(r chi.Router) {
					r.Get("/", s.handleListServers)
					r.Post("/", s.handleCreateServer)

					r.Route("/{serverName}", func(r chi.Router) {
						r.Get("/", s.handleServerStatus)
						r.Delete("/", s.handleDeleteServer)
						r.Post("/init", s.handleInitServer)
						r.Post("/toggle", s.handleToggleServer)
						r.Post("/tools/{toolName}", s.handleCallTool)
					})
				})
			})
		})
	})

	r.Get("/ws/device/{deviceID}", s.sessions.HandleDeviceSocket)

	return r
}

// Start begins serving HTTP. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.cfg.Listen))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes device sessions and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sessions.CloseAll()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Device handlers

type registerDeviceRequest struct {
	Label string `json:"label"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	record, err := s.registry.Register(req.Label)
	if err != nil {
		s.writeInternalError(w, "failed to register device", err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	records, err := s.registry.List()
	if err != nil {
		s.writeInternalError(w, "failed to list devices", err)
		return
	}

	type deviceView struct {
		ID       string `json:"id"`
		Label    string `json:"label,omitempty"`
		Online   bool   `json:"online"`
		LastSeen string `json:"last_seen,omitempty"`
	}
	views := make([]deviceView, 0, len(records))
	for _, record := range records {
		view := deviceView{
			ID:     record.ID,
			Label:  record.Label,
			Online: s.registry.IsOnline(record.ID),
		}
		if !record.LastSeen.IsZero() {
			view.LastSeen = record.LastSeen.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views, "total": len(views)})
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	if err := s.manager.ShutdownDeviceServers(r.Context(), deviceID); err != nil {
		s.logger.Warn("Errors tearing down device connections",
			zap.String("device", deviceID), zap.Error(err))
	}
	if err := s.registry.Remove(deviceID); err != nil {
		s.writeInternalError(w, "failed to remove device", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Server config handlers

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	overview, err := s.manager.GetDeviceServers(deviceID)
	if err != nil {
		s.writeInternalError(w, "failed to list servers", err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var cfg config.ServerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg.DeviceID = deviceID
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	record := storage.RecordFromConfig(&cfg)
	if err := s.store.SaveServerConfig(record); err != nil {
		s.writeInternalError(w, "failed to save server config", err)
		return
	}

	key := types.ServerKey{DeviceID: deviceID, ServerName: cfg.Name}
	if cfg.Enabled && s.registry.IsOnline(deviceID) {
		if _, err := s.manager.InitializeServer(r.Context(), key); err != nil {
			s.logger.Warn("Failed to connect newly created server",
				zap.String("server", key.String()), zap.Error(err))
		}
	}

	status, err := s.manager.GetServerStatus(key)
	if err != nil {
		s.writeInternalError(w, "failed to read server status", err)
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	key := keyFromRequest(r)

	status, err := s.manager.GetServerStatus(key)
	if err != nil {
		s.writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	key := keyFromRequest(r)

	if err := s.manager.StopServerProcess(key); err != nil {
		s.logger.Warn("Error stopping server during delete",
			zap.String("server", key.String()), zap.Error(err))
	}
	if err := s.store.DeleteServerConfig(key.DeviceID, key.ServerName); err != nil {
		s.writeInternalError(w, "failed to delete server config", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInitServer(w http.ResponseWriter, r *http.Request) {
	key := keyFromRequest(r)

	status, err := s.manager.InitializeServer(r.Context(), key)
	if err != nil {
		s.writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleToggleServer(w http.ResponseWriter, r *http.Request) {
	key := keyFromRequest(r)

	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status, err := s.manager.ToggleServer(r.Context(), key, req.Enabled)
	if err != nil {
		s.writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	key := keyFromRequest(r)
	toolName := chi.URLParam(r, "toolName")

	var args map[string]any
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	result, err := s.manager.HandleToolCall(r.Context(), key, toolName, args)
	if err != nil {
		s.writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleToolPrompt(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	writeJSON(w, http.StatusOK, map[string]string{
		"prompt": s.manager.BuildToolPrompt(deviceID),
	})
}

// Helpers

func keyFromRequest(r *http.Request) types.ServerKey {
	return types.ServerKey{
		DeviceID:   chi.URLParam(r, "deviceID"),
		ServerName: chi.URLParam(r, "serverName"),
	}
}

// writeRelayError maps typed manager errors onto HTTP status codes.
func (s *Server) writeRelayError(w http.ResponseWriter, err error) {
	var (
		notFound      *types.ConfigNotFoundError
		notConnected  *types.NotConnectedError
		timeout       *types.TimeoutError
		toolFailed    *types.ToolInvocationError
		handshakeFail *types.HandshakeError
	)

	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &notConnected):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &timeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &toolFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &handshakeFail):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.writeInternalError(w, "internal error", err)
	}
}

func (s *Server) writeInternalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
