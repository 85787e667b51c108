package conn

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcprelay-go/internal/config"
	"mcprelay-go/internal/relay/types"
)

// ErrClosed reports a connect attempt on a connection that was already
// torn down.
var ErrClosed = errors.New("connection closed")

// Connection is one live (or in-progress) tool server connection. All
// methods are safe for concurrent use.
type Connection struct {
	mu  sync.RWMutex
	key types.ServerKey
	cfg *config.ServerConfig

	transport Transport
	dialer    Dialer
	logger    *zap.Logger

	state     types.ConnectionState
	lastError error
	closed    bool

	serverName      string
	serverVersion   string
	protocolVersion string
	lastContact     time.Time

	tools map[string]*toolEntry
}

type toolEntry struct {
	description string
	usage       uint64
}

// New creates a connection in the disconnected state. Connect must be
// called before tools can be invoked.
func New(key types.ServerKey, cfg *config.ServerConfig, dialer Dialer, logger *zap.Logger) *Connection {
	return &Connection{
		key:    key,
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With(zap.String("server", key.String())),
		state:  types.StateDisconnected,
		tools:  make(map[string]*toolEntry),
	}
}

// Key returns the connection's identity.
func (c *Connection) Key() types.ServerKey {
	return c.key
}

// Config returns the configuration the connection was created with.
func (c *Connection) Config() *config.ServerConfig {
	return c.cfg
}

// State returns the current connection state.
func (c *Connection) State() types.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetState transitions the connection and returns the previous state.
func (c *Connection) SetState(state types.ConnectionState) types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.state
	c.state = state
	return old
}

// SetLastError records the most recent failure for status reporting.
func (c *Connection) SetLastError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastError = err
}

// connectTimeout bounds the dial/handshake/list-tools sequence. The
// server's configured timeout governs it when set.
func (c *Connection) connectTimeout() time.Duration {
	if c.cfg.TimeoutMs > 0 {
		return c.cfg.Timeout()
	}
	return config.DefaultConnectTimeout
}

// Connect dials the transport, performs the handshake, and loads the tool
// catalog. The whole sequence is bounded by the connect timeout. Timeouts
// are reported as TimeoutError, all other failures as HandshakeError.
// A connection that was closed refuses to connect and reports ErrClosed.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = types.StateConnecting
	c.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, c.connectTimeout())
	defer cancel()

	transport, err := c.dialer(connectCtx, c.cfg)
	if err != nil {
		return c.connectFailed("dial", err)
	}

	info, err := transport.Initialize(connectCtx)
	if err != nil {
		_ = transport.Close()
		return c.connectFailed("handshake", err)
	}

	tools, err := transport.ListTools(connectCtx)
	if err != nil {
		_ = transport.Close()
		return c.connectFailed("list tools", err)
	}

	catalog := make(map[string]*toolEntry, len(tools))
	for _, tool := range tools {
		catalog[tool.Name] = &toolEntry{description: tool.Description}
	}

	c.mu.Lock()
	if c.closed {
		// Torn down while the dial was in flight
		c.mu.Unlock()
		_ = transport.Close()
		return ErrClosed
	}
	c.transport = transport
	c.serverName = info.Name
	c.serverVersion = info.Version
	c.protocolVersion = info.ProtocolVersion
	c.tools = catalog
	c.lastContact = time.Now()
	c.lastError = nil
	c.state = types.StateConnected
	c.mu.Unlock()

	c.logger.Info("Connected to tool server",
		zap.String("server_name", info.Name),
		zap.String("server_version", info.Version),
		zap.String("protocol_version", info.ProtocolVersion),
		zap.Int("tools", len(catalog)))

	return nil
}

func (c *Connection) connectFailed(operation string, err error) error {
	var typed error
	if errors.Is(err, context.DeadlineExceeded) {
		typed = &types.TimeoutError{Key: c.key, Operation: operation, Err: err}
	} else {
		typed = &types.HandshakeError{Key: c.key, Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.lastError = typed
	c.state = types.StateFailed
	c.mu.Unlock()

	c.logger.Warn("Connection attempt failed",
		zap.String("operation", operation), zap.Error(err))
	return typed
}

// RefreshTools re-reads the tool catalog from the server, preserving usage
// counters for tools that survive the refresh.
func (c *Connection) RefreshTools(ctx context.Context) error {
	c.mu.RLock()
	transport := c.transport
	state := c.state
	c.mu.RUnlock()

	if state != types.StateConnected || transport == nil {
		return &types.NotConnectedError{Key: c.key, State: state}
	}

	listCtx, cancel := context.WithTimeout(ctx, config.ListToolsTimeout)
	defer cancel()

	tools, err := transport.ListTools(listCtx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	catalog := make(map[string]*toolEntry, len(tools))
	for _, tool := range tools {
		entry := &toolEntry{description: tool.Description}
		if prev, ok := c.tools[tool.Name]; ok {
			entry.usage = prev.usage
		}
		catalog[tool.Name] = entry
	}
	c.tools = catalog
	c.lastContact = time.Now()
	c.mu.Unlock()

	return nil
}

// CallTool invokes a tool on the connected server. The call is bounded by
// the per-server timeout. Usage counters increment only on success.
func (c *Connection) CallTool(ctx context.Context, toolName string, args map[string]any) (string, error) {
	c.mu.RLock()
	transport := c.transport
	state := c.state
	c.mu.RUnlock()

	if state != types.StateConnected || transport == nil {
		return "", &types.NotConnectedError{Key: c.key, State: state}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	result, err := transport.CallTool(callCtx, toolName, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &types.TimeoutError{Key: c.key, Operation: "tool call " + toolName, Err: err}
		}
		return "", &types.ToolInvocationError{Key: c.key, ToolName: toolName, Err: err}
	}

	if result.IsError {
		return "", &types.ToolInvocationError{Key: c.key, ToolName: toolName, Detail: result.Text}
	}

	c.mu.Lock()
	if entry, ok := c.tools[toolName]; ok {
		entry.usage++
	}
	c.lastContact = time.Now()
	c.mu.Unlock()

	return result.Text, nil
}

// IsAlive probes the transport with a bounded ping.
func (c *Connection) IsAlive(ctx context.Context, timeout time.Duration) bool {
	c.mu.RLock()
	transport := c.transport
	state := c.state
	c.mu.RUnlock()

	if state != types.StateConnected || transport == nil {
		return false
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := transport.Ping(pingCtx); err != nil {
		c.logger.Debug("Liveness probe failed", zap.Error(err))
		return false
	}

	c.mu.Lock()
	c.lastContact = time.Now()
	c.mu.Unlock()
	return true
}

// Close tears down the transport. Safe to call multiple times; repeat
// calls return nil.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	transport := c.transport
	c.transport = nil
	if c.state == types.StateConnected || c.state == types.StateConnecting {
		c.state = types.StateDisconnected
	}
	c.mu.Unlock()

	if transport == nil {
		return nil
	}
	return transport.Close()
}

// Tools returns the tool catalog sorted by name.
func (c *Connection) Tools() []*types.ToolInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tools := make([]*types.ToolInfo, 0, len(c.tools))
	for name, entry := range c.tools {
		tools = append(tools, &types.ToolInfo{
			Name:        name,
			Description: entry.description,
			UsageCount:  entry.usage,
		})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// HasTool reports whether the catalog contains the named tool.
func (c *Connection) HasTool(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tools[name]
	return ok
}

// Status returns a point-in-time snapshot of the connection.
func (c *Connection) Status() *types.ServerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	mode := types.ModeRemote
	if c.cfg.IsLocal() {
		mode = types.ModeLocal
	}

	status := &types.ServerStatus{
		Key:             c.key,
		State:           c.state,
		StateName:       c.state.String(),
		Connected:       c.state == types.StateConnected,
		Enabled:         c.cfg.Enabled,
		Mode:            mode,
		ToolCount:       len(c.tools),
		ProtocolVersion: c.protocolVersion,
		ServerName:      c.serverName,
		ServerVersion:   c.serverVersion,
		LastContact:     c.lastContact,
	}
	if c.lastError != nil {
		status.LastError = c.lastError.Error()
	}
	return status
}
