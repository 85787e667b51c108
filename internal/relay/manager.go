package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"mcprelay-go/internal/config"
	"mcprelay-go/internal/events"
	"mcprelay-go/internal/relay/conn"
	"mcprelay-go/internal/relay/types"
	"mcprelay-go/internal/storage"
)

// ErrManagerClosed is returned for operations on a shut-down manager.
var ErrManagerClosed = errors.New("connection manager is shut down")

// ConfigStore is the slice of the storage layer the manager depends on.
type ConfigStore interface {
	GetServerConfig(deviceID, serverName string) (*storage.ServerConfigRecord, error)
	ListServerConfigs(deviceID string) ([]*storage.ServerConfigRecord, error)
	SaveServerConfig(record *storage.ServerConfigRecord) error
}

// Manager owns every tool server connection, keyed by (device, server).
// It coordinates connection setup, health monitoring, reconnection, and
// shutdown. All methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	conns    map[types.ServerKey]*conn.Connection
	inflight map[types.ServerKey]*inflightInit
	closed   bool

	cfg    *config.Config
	store  ConfigStore
	bus    *events.Bus
	logger *zap.Logger
	clock  clock.Clock
	dialer conn.Dialer

	sched  *ReconnectionScheduler
	health *HealthMonitor
}

// inflightInit collapses concurrent InitializeServer calls for one key
// into a single connection attempt.
type inflightInit struct {
	done   chan struct{}
	status *types.ServerStatus
	err    error
}

// Option customizes manager construction.
type Option func(*Manager)

// WithClock substitutes the wall clock, used by tests for deterministic
// timer control.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

// WithDialer substitutes the transport dialer.
func WithDialer(dialer conn.Dialer) Option {
	return func(m *Manager) { m.dialer = dialer }
}

// NewManager creates a connection manager. StartHealthMonitor must be
// called to begin liveness probing.
func NewManager(cfg *config.Config, store ConfigStore, bus *events.Bus, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		conns:    make(map[types.ServerKey]*conn.Connection),
		inflight: make(map[types.ServerKey]*inflightInit),
		cfg:      cfg,
		store:    store,
		bus:      bus,
		logger:   logger,
		clock:    clock.New(),
		dialer:   conn.DialMCP,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.sched = NewReconnectionScheduler(m.clock,
		cfg.ReconnectBaseDelay.Duration(), cfg.ReconnectMaxDelay.Duration(), logger)
	m.sched.SetRetryFunc(m.retryConnect)

	m.health = NewHealthMonitor(m, m.clock,
		cfg.HealthCheckInterval.Duration(), cfg.ProbeTimeout.Duration(), logger)

	return m
}

// StartHealthMonitor begins periodic liveness probing of live connections.
func (m *Manager) StartHealthMonitor() {
	m.health.Start()
}

// Scheduler exposes the reconnection scheduler for status reporting.
func (m *Manager) Scheduler() *ReconnectionScheduler {
	return m.sched
}

// InitializeServer establishes the connection for one (device, server)
// pair. Idempotent: an already-connected server returns its status without
// a new connection attempt, and concurrent calls for the same key share a
// single attempt.
func (m *Manager) InitializeServer(ctx context.Context, key types.ServerKey) (*types.ServerStatus, error) {
	return m.initServer(ctx, key, true)
}

// initServer collapses concurrent attempts for one key into a single
// flight. Scheduler retries come through here too, so a timer-fired
// attempt can never dial a key concurrently with a caller.
func (m *Manager) initServer(ctx context.Context, key types.ServerKey, seedRetry bool) (*types.ServerStatus, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if c, ok := m.conns[key]; ok && c.State() == types.StateConnected {
		status := c.Status()
		m.mu.Unlock()
		return status, nil
	}
	if flight, ok := m.inflight[key]; ok {
		m.mu.Unlock()
		select {
		case <-flight.done:
			return flight.status, flight.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	flight := &inflightInit{done: make(chan struct{})}
	m.inflight[key] = flight
	m.mu.Unlock()

	status, err := m.connect(ctx, key, seedRetry)

	flight.status, flight.err = status, err
	m.mu.Lock()
	delete(m.inflight, key)
	m.mu.Unlock()
	close(flight.done)

	return status, err
}

// connect performs one connection attempt. When seedRetry is set, a failed
// attempt arms the reconnection scheduler; retry attempts themselves leave
// rescheduling to the scheduler.
func (m *Manager) connect(ctx context.Context, key types.ServerKey, seedRetry bool) (*types.ServerStatus, error) {
	record, err := m.store.GetServerConfig(key.DeviceID, key.ServerName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &types.ConfigNotFoundError{Key: key}
		}
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}
	if !record.Enabled {
		return nil, fmt.Errorf("server %s is disabled", key)
	}

	c := conn.New(key, record.ToConfig(), m.dialer, m.logger)
	m.setConn(key, c)
	m.publishStateChange(key, types.StateDisconnected, types.StateConnecting)

	if err := c.Connect(ctx); err != nil {
		connectAttempts.WithLabelValues(resultError).Inc()
		if errors.Is(err, conn.ErrClosed) {
			// Torn down while this attempt was in flight; the teardown
			// path owns the state transitions.
			return c.Status(), err
		}
		if seedRetry {
			m.sched.ScheduleRetry(key)
			c.SetState(types.StateReconnecting)
			m.publishStateChange(key, types.StateConnecting, types.StateReconnecting)
		} else {
			m.publishStateChange(key, types.StateConnecting, types.StateFailed)
		}
		return c.Status(), err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = c.Close()
		return nil, ErrManagerClosed
	}
	if m.conns[key] != c {
		// A teardown removed the key while the dial was in flight; the
		// fresh transport must not outlive it.
		m.mu.Unlock()
		_ = c.Close()
		return nil, fmt.Errorf("server %s stopped during connect: %w", key, conn.ErrClosed)
	}
	m.mu.Unlock()

	connectAttempts.WithLabelValues(resultSuccess).Inc()
	liveConnections.Inc()

	// A successful connection resets the backoff for this key.
	m.sched.Cancel(key)
	m.publishStateChange(key, types.StateConnecting, types.StateConnected)
	m.bus.Publish(events.Event{
		Type:       events.ToolsUpdated,
		DeviceID:   key.DeviceID,
		ServerName: key.ServerName,
	})

	return c.Status(), nil
}

// retryConnect is the scheduler's callback for one reconnection attempt.
func (m *Manager) retryConnect(key types.ServerKey) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	if c, ok := m.conns[key]; ok && c.State() == types.StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	_, err := m.initServer(context.Background(), key, false)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrManagerClosed) || errors.Is(err, conn.ErrClosed) {
		// Shut down or torn down while the attempt was in flight.
		return nil
	}

	var notFound *types.ConfigNotFoundError
	if errors.As(err, &notFound) {
		// Config was deleted; retrying cannot succeed.
		m.logger.Warn("Abandoning reconnection, configuration removed",
			zap.String("server", key.String()))
		m.sched.Cancel(key)
		m.failConn(key)
		return nil
	}

	// The scheduler will reschedule with a longer delay.
	if c := m.getConn(key); c != nil {
		c.SetState(types.StateReconnecting)
	}
	return err
}

func (m *Manager) setConn(key types.ServerKey, c *conn.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.conns[key]; ok && old != c {
		_ = old.Close()
	}
	m.conns[key] = c
}

func (m *Manager) getConn(key types.ServerKey) *conn.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[key]
}

func (m *Manager) removeConn(key types.ServerKey) *conn.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[key]
	if !ok {
		return nil
	}
	delete(m.conns, key)
	return c
}

func (m *Manager) failConn(key types.ServerKey) {
	if c := m.getConn(key); c != nil {
		c.SetState(types.StateFailed)
	}
}

func (m *Manager) publishStateChange(key types.ServerKey, oldState, newState types.ConnectionState) {
	m.bus.Publish(events.Event{
		Type:       events.ServerStateChanged,
		DeviceID:   key.DeviceID,
		ServerName: key.ServerName,
		OldState:   oldState.String(),
		NewState:   newState.String(),
	})
}

// GetServerStatus returns the current status of one server. Servers with a
// configuration but no live connection report a state derived from the
// scheduler: reconnecting when a retry is pending, disconnected otherwise.
func (m *Manager) GetServerStatus(key types.ServerKey) (*types.ServerStatus, error) {
	if c := m.getConn(key); c != nil {
		status := c.Status()
		m.attachRetryInfo(status)
		return status, nil
	}

	record, err := m.store.GetServerConfig(key.DeviceID, key.ServerName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &types.ConfigNotFoundError{Key: key}
		}
		return nil, err
	}

	status := m.statusFromRecord(key, record)
	return status, nil
}

func (m *Manager) statusFromRecord(key types.ServerKey, record *storage.ServerConfigRecord) *types.ServerStatus {
	state := types.StateDisconnected
	if m.sched.Pending(key) {
		state = types.StateReconnecting
	}

	mode := types.ModeRemote
	if record.ToConfig().IsLocal() {
		mode = types.ModeLocal
	}

	status := &types.ServerStatus{
		Key:       key,
		State:     state,
		StateName: state.String(),
		Enabled:   record.Enabled,
		Mode:      mode,
	}
	m.attachRetryInfo(status)
	return status
}

func (m *Manager) attachRetryInfo(status *types.ServerStatus) {
	status.RetryAttempts = m.sched.Attempts(status.Key)
	if next, ok := m.sched.NextRetry(status.Key); ok {
		status.NextRetryAt = next
	}
}

// GetDeviceServers returns the status of every configured server for one
// device, live or not.
func (m *Manager) GetDeviceServers(deviceID string) (*types.ServerOverview, error) {
	records, err := m.store.ListServerConfigs(deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list server configs: %w", err)
	}

	overview := &types.ServerOverview{DeviceID: deviceID}
	for _, record := range records {
		key := types.ServerKey{DeviceID: deviceID, ServerName: record.Name}

		var status *types.ServerStatus
		if c := m.getConn(key); c != nil {
			status = c.Status()
			status.Enabled = record.Enabled
			m.attachRetryInfo(status)
		} else {
			status = m.statusFromRecord(key, record)
		}

		overview.Servers = append(overview.Servers, status)
		overview.Total++
		if status.Connected {
			overview.Connected++
		}
	}
	return overview, nil
}

// HandleToolCall routes a tool invocation to the right connection. Servers
// without a live connection fail fast with NotConnectedError before any
// transport activity.
func (m *Manager) HandleToolCall(ctx context.Context, key types.ServerKey, toolName string, args map[string]any) (string, error) {
	c := m.getConn(key)
	if c == nil {
		state := types.StateDisconnected
		if m.sched.Pending(key) {
			state = types.StateReconnecting
		}
		return "", &types.NotConnectedError{Key: key, State: state}
	}

	result, err := c.CallTool(ctx, toolName, args)
	if err != nil {
		toolCalls.WithLabelValues(resultError).Inc()
		return "", err
	}

	toolCalls.WithLabelValues(resultSuccess).Inc()
	m.bus.Publish(events.Event{
		Type:       events.ToolCalled,
		DeviceID:   key.DeviceID,
		ServerName: key.ServerName,
		Data:       map[string]any{"tool": toolName},
	})
	return result, nil
}

// ToggleServer enables or disables one server. Enabling connects it;
// disabling cancels any pending reconnection, tears down the connection,
// and persists the flag.
func (m *Manager) ToggleServer(ctx context.Context, key types.ServerKey, enabled bool) (*types.ServerStatus, error) {
	record, err := m.store.GetServerConfig(key.DeviceID, key.ServerName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &types.ConfigNotFoundError{Key: key}
		}
		return nil, err
	}

	record.Enabled = enabled
	if err := m.store.SaveServerConfig(record); err != nil {
		return nil, fmt.Errorf("failed to persist enabled flag: %w", err)
	}

	m.bus.Publish(events.Event{
		Type:       events.ServerToggled,
		DeviceID:   key.DeviceID,
		ServerName: key.ServerName,
		Data:       map[string]any{"enabled": enabled},
	})

	if enabled {
		return m.InitializeServer(ctx, key)
	}

	// Cancel the pending timer first so a retry cannot fire mid-teardown.
	m.sched.Cancel(key)
	if c := m.removeConn(key); c != nil {
		old := c.State()
		if old == types.StateConnected {
			liveConnections.Dec()
		}
		if err := c.Close(); err != nil {
			m.logger.Warn("Error closing connection on disable",
				zap.String("server", key.String()), zap.Error(err))
		}
		m.publishStateChange(key, old, types.StateDisconnected)
	}

	return m.statusFromRecord(key, record), nil
}

// StopServerProcess tears down one connection and cancels its pending
// reconnection. Idempotent: unknown or already-stopped keys are a no-op.
func (m *Manager) StopServerProcess(key types.ServerKey) error {
	m.sched.Cancel(key)

	c := m.removeConn(key)
	if c == nil {
		return nil
	}
	old := c.State()
	if old == types.StateConnected {
		liveConnections.Dec()
	}
	err := c.Close()
	m.publishStateChange(key, old, types.StateDisconnected)
	return err
}

// HandleServerDisconnection reacts to a lost connection: the dead transport
// is torn down, the server enters the reconnecting state, and a retry is
// scheduled. Teardown completes before the retry timer is armed.
func (m *Manager) HandleServerDisconnection(key types.ServerKey) {
	c := m.getConn(key)
	if c == nil {
		return
	}

	old := c.State()
	if old == types.StateConnected {
		liveConnections.Dec()
	}
	if err := c.Close(); err != nil {
		m.logger.Debug("Error closing dead connection",
			zap.String("server", key.String()), zap.Error(err))
	}
	c.SetState(types.StateReconnecting)

	m.logger.Warn("Lost connection to tool server",
		zap.String("server", key.String()))
	m.publishStateChange(key, old, types.StateReconnecting)

	m.sched.ScheduleRetry(key)
}

// OnDeviceConnected connects every enabled server configured for the
// device, bounded by the configured concurrency limit.
func (m *Manager) OnDeviceConnected(ctx context.Context, deviceID string) {
	records, err := m.store.ListServerConfigs(deviceID)
	if err != nil {
		m.logger.Error("Failed to list server configs for device",
			zap.String("device", deviceID), zap.Error(err))
		return
	}

	m.bus.Publish(events.Event{Type: events.DeviceConnected, DeviceID: deviceID})

	sem := make(chan struct{}, m.cfg.MaxConcurrentConnections)
	var wg sync.WaitGroup
	for _, record := range records {
		if !record.Enabled {
			continue
		}
		key := types.ServerKey{DeviceID: deviceID, ServerName: record.Name}

		wg.Add(1)
		sem <- struct{}{}
		go func(key types.ServerKey) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := m.InitializeServer(ctx, key); err != nil {
				m.logger.Warn("Failed to connect server on device attach",
					zap.String("server", key.String()), zap.Error(err))
			}
		}(key)
	}
	wg.Wait()
}

// OnDeviceDisconnected tears down every connection of the device and
// cancels its pending reconnections.
func (m *Manager) OnDeviceDisconnected(ctx context.Context, deviceID string) {
	m.bus.Publish(events.Event{Type: events.DeviceDisconnected, DeviceID: deviceID})
	if err := m.ShutdownDeviceServers(ctx, deviceID); err != nil {
		m.logger.Warn("Errors during device teardown",
			zap.String("device", deviceID), zap.Error(err))
	}
}

// ShutdownDeviceServers closes all connections for one device. Pending
// reconnections are cancelled first so no timer can resurrect a connection
// for a device that is gone.
func (m *Manager) ShutdownDeviceServers(_ context.Context, deviceID string) error {
	m.sched.CancelDevice(deviceID)

	m.mu.Lock()
	var targets []*conn.Connection
	for key, c := range m.conns {
		if key.DeviceID == deviceID {
			targets = append(targets, c)
			delete(m.conns, key)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(targets))
	for _, c := range targets {
		wg.Add(1)
		go func(c *conn.Connection) {
			defer wg.Done()
			old := c.State()
			if old == types.StateConnected {
				liveConnections.Dec()
			}
			if err := c.Close(); err != nil {
				errCh <- fmt.Errorf("close %s: %w", c.Key(), err)
			}
			m.publishStateChange(c.Key(), old, types.StateDisconnected)
		}(c)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	m.logger.Info("Closed device connections",
		zap.String("device", deviceID), zap.Int("count", len(targets)))
	return errors.Join(errs...)
}

// Shutdown closes every connection, bounded by the configured shutdown
// timeout. Connections that do not close in time are reported in a
// ShutdownTimeoutError and abandoned. Safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	targets := make(map[types.ServerKey]*conn.Connection, len(m.conns))
	for key, c := range m.conns {
		targets[key] = c
	}
	m.conns = make(map[types.ServerKey]*conn.Connection)
	m.mu.Unlock()

	m.health.Stop()
	m.sched.CancelAll()

	if len(targets) == 0 {
		return nil
	}

	doneCh := make(chan types.ServerKey, len(targets))
	for key, c := range targets {
		go func(key types.ServerKey, c *conn.Connection) {
			if c.State() == types.StateConnected {
				liveConnections.Dec()
			}
			if err := c.Close(); err != nil {
				m.logger.Warn("Error closing connection during shutdown",
					zap.String("server", key.String()), zap.Error(err))
			}
			doneCh <- key
		}(key, c)
	}

	timeout := m.cfg.ShutdownTimeout.Duration()
	timer := m.clock.Timer(timeout)
	defer timer.Stop()

	remaining := make(map[types.ServerKey]struct{}, len(targets))
	for key := range targets {
		remaining[key] = struct{}{}
	}

	for len(remaining) > 0 {
		select {
		case key := <-doneCh:
			delete(remaining, key)
		case <-timer.C:
			keys := make([]types.ServerKey, 0, len(remaining))
			for key := range remaining {
				keys = append(keys, key)
			}
			err := &types.ShutdownTimeoutError{Remaining: keys}
			m.logger.Error("Shutdown deadline exceeded", zap.Error(err))
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.logger.Info("Connection manager shut down", zap.Int("closed", len(targets)))
	return nil
}

// LiveConnections returns every connection currently in the connected state.
func (m *Manager) LiveConnections() []*conn.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns := make([]*conn.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		if c.State() == types.StateConnected {
			conns = append(conns, c)
		}
	}
	return conns
}

// BuildToolPrompt renders the tool enumeration for every connected server
// of one device.
func (m *Manager) BuildToolPrompt(deviceID string) string {
	m.mu.Lock()
	var servers []promptServer
	for key, c := range m.conns {
		if key.DeviceID != deviceID || c.State() != types.StateConnected {
			continue
		}
		servers = append(servers, promptServer{
			name:        key.ServerName,
			description: c.Config().Description,
			tools:       c.Tools(),
		})
	}
	m.mu.Unlock()

	sortPromptServers(servers)
	return buildToolPrompt(servers)
}
