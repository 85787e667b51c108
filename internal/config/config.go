// Package config provides configuration types and utilities for mcprelay.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultListen = ":8080"

	// ProtocolStdio runs the tool server as a child process over stdio.
	ProtocolStdio = "stdio"
	// ProtocolSSE connects over HTTP server-sent events.
	ProtocolSSE = "sse"
	// ProtocolStreamableHTTP connects over streamable HTTP.
	ProtocolStreamableHTTP = "streamable-http"
)

// Duration is a wrapper around time.Duration that can be marshaled to/from JSON
type Duration time.Duration

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration format: %w", err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config represents the main relay configuration
type Config struct {
	Listen  string `json:"listen" mapstructure:"listen"`
	DataDir string `json:"data_dir" mapstructure:"data-dir"`

	// Health monitoring
	HealthCheckInterval Duration `json:"health_check_interval,omitempty" mapstructure:"health-check-interval"`
	ProbeTimeout        Duration `json:"probe_timeout,omitempty" mapstructure:"probe-timeout"`

	// Reconnection backoff
	ReconnectBaseDelay Duration `json:"reconnect_base_delay,omitempty" mapstructure:"reconnect-base-delay"`
	ReconnectMaxDelay  Duration `json:"reconnect_max_delay,omitempty" mapstructure:"reconnect-max-delay"`

	// Shutdown
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty" mapstructure:"shutdown-timeout"`

	// Maximum number of concurrent connection attempts when a device connects
	MaxConcurrentConnections int `json:"max_concurrent_connections,omitempty" mapstructure:"max-concurrent-connections"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`

	// Pre-provisioned tool server configurations, applied to the store on startup
	Servers []*ServerConfig `json:"toolServers,omitempty" mapstructure:"servers"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	Filename      string `json:"filename,omitempty" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"` // megabytes
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"`
	MaxAge        int    `json:"max_age" mapstructure:"max-age"` // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// CapabilityConfig holds per-capability enable flags and auto-approve lists
type CapabilityConfig struct {
	Tools     bool `json:"tools"`
	Resources bool `json:"resources"`
	Prompts   bool `json:"prompts"`
	Sampling  bool `json:"sampling"`

	// Auto-approve allowlists per capability; names listed here may be
	// invoked without manual confirmation.
	AutoApproveTools     []string `json:"auto_approve_tools,omitempty"`
	AutoApproveResources []string `json:"auto_approve_resources,omitempty"`
	AutoApprovePrompts   []string `json:"auto_approve_prompts,omitempty"`
}

// ServerConfig describes one tool server for one device.
// (DeviceID, Name) is the unique key.
type ServerConfig struct {
	DeviceID        string            `json:"device_id"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	URL             string            `json:"url,omitempty"`
	Protocol        string            `json:"protocol,omitempty"` // stdio, sse, streamable-http
	Command         string            `json:"command,omitempty"`  // for stdio servers
	Args            []string          `json:"args,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	ProtocolVersion string            `json:"protocol_version,omitempty"`
	Capabilities    CapabilityConfig  `json:"capabilities"`
	Headers         map[string]string `json:"headers,omitempty"`
	TimeoutMs       int               `json:"timeout_ms,omitempty"`
	Enabled         bool              `json:"enabled"`
}

// Timeout returns the per-server operation timeout, falling back to the default.
func (s *ServerConfig) Timeout() time.Duration {
	if s.TimeoutMs > 0 {
		return time.Duration(s.TimeoutMs) * time.Millisecond
	}
	return DefaultServerTimeout
}

// IsLocal reports whether the server runs as a local child process.
func (s *ServerConfig) IsLocal() bool {
	return s.Protocol == ProtocolStdio || (s.Protocol == "" && s.Command != "")
}

// Validate checks the server configuration for obvious errors.
func (s *ServerConfig) Validate() error {
	if s.DeviceID == "" {
		return fmt.Errorf("server config missing device_id")
	}
	if s.Name == "" {
		return fmt.Errorf("server config missing name")
	}
	if s.URL == "" && s.Command == "" {
		return fmt.Errorf("server %q: either url or command is required", s.Name)
	}
	switch s.Protocol {
	case "", ProtocolStdio, ProtocolSSE, ProtocolStreamableHTTP:
	default:
		return fmt.Errorf("server %q: unsupported protocol %q", s.Name, s.Protocol)
	}
	return nil
}

// DefaultConfig returns a configuration populated with defaults
func DefaultConfig() *Config {
	return &Config{
		Listen:                   defaultListen,
		DataDir:                  defaultDataDir(),
		HealthCheckInterval:      Duration(HealthCheckInterval),
		ProbeTimeout:             Duration(ProbeTimeout),
		ReconnectBaseDelay:       Duration(ReconnectBaseDelay),
		ReconnectMaxDelay:        Duration(ReconnectMaxDelay),
		ShutdownTimeout:          Duration(ShutdownTimeout),
		MaxConcurrentConnections: DefaultMaxConcurrentConnections,
		Logging: &LogConfig{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    true,
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
		},
	}
}

// ApplyDefaults fills zero-valued fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.MaxConcurrentConnections <= 0 {
		c.MaxConcurrentConnections = def.MaxConcurrentConnections
	}
	if c.Logging == nil {
		c.Logging = def.Logging
	}
}

// Validate checks the full configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	for _, s := range c.Servers {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LoadFromFile loads configuration from a JSON file and applies defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveToFile writes the configuration as indented JSON.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcprelay"
	}
	return filepath.Join(home, ".mcprelay")
}
