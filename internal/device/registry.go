// Package device manages device registration and pairing sessions.
package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"

	"mcprelay-go/internal/storage"
)

const (
	idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	idLength   = 12

	pinAlphabet = "0123456789"
	pinLength   = 6
)

// Registration errors
var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrBadPIN        = errors.New("invalid pairing PIN")
)

// DeviceStore is the slice of the storage layer the registry depends on.
type DeviceStore interface {
	SaveDevice(record *storage.DeviceRecord) error
	GetDevice(deviceID string) (*storage.DeviceRecord, error)
	ListDevices() ([]*storage.DeviceRecord, error)
	TouchDevice(deviceID string) error
	DeleteDevice(deviceID string) error
}

// Registry issues device identities and verifies pairing PINs. Online
// state is tracked in memory; identities persist in the store.
type Registry struct {
	mu     sync.RWMutex
	online map[string]time.Time
	store  DeviceStore
	logger *zap.Logger
}

// NewRegistry creates a device registry backed by the given store.
func NewRegistry(store DeviceStore, logger *zap.Logger) *Registry {
	return &Registry{
		online: make(map[string]time.Time),
		store:  store,
		logger: logger,
	}
}

// Register creates a new device identity with a random ID and pairing PIN.
func (r *Registry) Register(label string) (*storage.DeviceRecord, error) {
	id, err := gonanoid.Generate(idAlphabet, idLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate device id: %w", err)
	}
	pin, err := gonanoid.Generate(pinAlphabet, pinLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate pairing pin: %w", err)
	}

	record := &storage.DeviceRecord{
		ID:    id,
		PIN:   pin,
		Label: label,
	}
	if err := r.store.SaveDevice(record); err != nil {
		return nil, fmt.Errorf("failed to persist device: %w", err)
	}

	r.logger.Info("Registered device",
		zap.String("device", id), zap.String("label", label))
	return record, nil
}

// Authenticate checks a device's pairing PIN.
func (r *Registry) Authenticate(deviceID, pin string) (*storage.DeviceRecord, error) {
	record, err := r.store.GetDevice(deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownDevice
		}
		return nil, err
	}
	if record.PIN != pin {
		return nil, ErrBadPIN
	}
	return record, nil
}

// MarkOnline records that a device session is active.
func (r *Registry) MarkOnline(deviceID string) {
	r.mu.Lock()
	r.online[deviceID] = time.Now()
	r.mu.Unlock()

	if err := r.store.TouchDevice(deviceID); err != nil {
		r.logger.Debug("Failed to update device last-seen",
			zap.String("device", deviceID), zap.Error(err))
	}
}

// MarkOffline clears a device's online state.
func (r *Registry) MarkOffline(deviceID string) {
	r.mu.Lock()
	delete(r.online, deviceID)
	r.mu.Unlock()

	if err := r.store.TouchDevice(deviceID); err != nil {
		r.logger.Debug("Failed to update device last-seen",
			zap.String("device", deviceID), zap.Error(err))
	}
}

// IsOnline reports whether the device currently has an active session.
func (r *Registry) IsOnline(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.online[deviceID]
	return ok
}

// OnlineSince returns when the device's current session started.
func (r *Registry) OnlineSince(deviceID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	since, ok := r.online[deviceID]
	return since, ok
}

// Get returns one device record.
func (r *Registry) Get(deviceID string) (*storage.DeviceRecord, error) {
	record, err := r.store.GetDevice(deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownDevice
		}
		return nil, err
	}
	return record, nil
}

// List returns all registered devices.
func (r *Registry) List() ([]*storage.DeviceRecord, error) {
	return r.store.ListDevices()
}

// Remove deletes a device identity and its stored configuration.
func (r *Registry) Remove(deviceID string) error {
	r.mu.Lock()
	delete(r.online, deviceID)
	r.mu.Unlock()
	return r.store.DeleteDevice(deviceID)
}
