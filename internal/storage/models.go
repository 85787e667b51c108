// Package storage persists tool server configurations and device records
// in a local bbolt database.
package storage

import (
	"encoding/json"
	"time"

	"mcprelay-go/internal/config"
)

// Bucket names
const (
	BucketServerConfigs = "server_configs"
	BucketDevices       = "devices"
	BucketMeta          = "meta"
)

// ServerConfigRecord is the persisted form of a tool server configuration.
// Keyed by "<device_id>/<name>".
type ServerConfigRecord struct {
	DeviceID        string                  `json:"device_id"`
	Name            string                  `json:"name"`
	Description     string                  `json:"description,omitempty"`
	URL             string                  `json:"url,omitempty"`
	Protocol        string                  `json:"protocol,omitempty"`
	Command         string                  `json:"command,omitempty"`
	Args            []string                `json:"args,omitempty"`
	Env             map[string]string       `json:"env,omitempty"`
	ProtocolVersion string                  `json:"protocol_version,omitempty"`
	Capabilities    config.CapabilityConfig `json:"capabilities"`
	Headers         map[string]string       `json:"headers,omitempty"`
	TimeoutMs       int                     `json:"timeout_ms,omitempty"`
	Enabled         bool                    `json:"enabled"`
	Created         time.Time               `json:"created"`
	Updated         time.Time               `json:"updated"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r *ServerConfigRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *ServerConfigRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}

// ToConfig converts the record to a runtime server configuration.
func (r *ServerConfigRecord) ToConfig() *config.ServerConfig {
	return &config.ServerConfig{
		DeviceID:        r.DeviceID,
		Name:            r.Name,
		Description:     r.Description,
		URL:             r.URL,
		Protocol:        r.Protocol,
		Command:         r.Command,
		Args:            r.Args,
		Env:             r.Env,
		ProtocolVersion: r.ProtocolVersion,
		Capabilities:    r.Capabilities,
		Headers:         r.Headers,
		TimeoutMs:       r.TimeoutMs,
		Enabled:         r.Enabled,
	}
}

// RecordFromConfig builds a record from a runtime server configuration.
func RecordFromConfig(cfg *config.ServerConfig) *ServerConfigRecord {
	return &ServerConfigRecord{
		DeviceID:        cfg.DeviceID,
		Name:            cfg.Name,
		Description:     cfg.Description,
		URL:             cfg.URL,
		Protocol:        cfg.Protocol,
		Command:         cfg.Command,
		Args:            cfg.Args,
		Env:             cfg.Env,
		ProtocolVersion: cfg.ProtocolVersion,
		Capabilities:    cfg.Capabilities,
		Headers:         cfg.Headers,
		TimeoutMs:       cfg.TimeoutMs,
		Enabled:         cfg.Enabled,
	}
}

// DeviceRecord is the persisted form of a registered device.
type DeviceRecord struct {
	ID       string    `json:"id"`
	PIN      string    `json:"pin"`
	Label    string    `json:"label,omitempty"`
	Created  time.Time `json:"created"`
	LastSeen time.Time `json:"last_seen"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r *DeviceRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *DeviceRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}
