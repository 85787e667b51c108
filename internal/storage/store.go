package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	dbFileName  = "mcprelay.db"
	openTimeout = 5 * time.Second

	// schemaVersion is recorded in the meta bucket on first open so a
	// future layout change can detect and migrate older databases.
	schemaVersion = 1
)

var keySchemaVersion = []byte("schema_version")

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// BoltStore wraps a bbolt database with typed accessors for server
// configurations and device records.
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltStore opens (creating if needed) the database under dataDir.
func NewBoltStore(dataDir string, logger *zap.Logger) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, dbFileName)
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{BucketServerConfigs, BucketDevices, BucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(BucketMeta))
		if meta.Get(keySchemaVersion) == nil {
			if err := meta.Put(keySchemaVersion, []byte(strconv.Itoa(schemaVersion))); err != nil {
				return fmt.Errorf("failed to record schema version: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("Opened storage database", zap.String("path", dbPath))

	return &BoltStore{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the schema version recorded in the database.
func (s *BoltStore) SchemaVersion() (int, error) {
	var version int
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(BucketMeta)).Get(keySchemaVersion)
		if data == nil {
			return ErrNotFound
		}
		parsed, err := strconv.Atoi(string(data))
		if err != nil {
			return fmt.Errorf("corrupt schema version %q: %w", data, err)
		}
		version = parsed
		return nil
	})
	return version, err
}

// configKey builds the bucket key for a (device, server) pair.
func configKey(deviceID, serverName string) []byte {
	return []byte(deviceID + "/" + serverName)
}

// SaveServerConfig stores or replaces a server configuration record.
func (s *BoltStore) SaveServerConfig(record *ServerConfigRecord) error {
	now := time.Now()
	if record.Created.IsZero() {
		record.Created = now
	}
	record.Updated = now

	data, err := record.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal server config: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketServerConfigs))
		return bucket.Put(configKey(record.DeviceID, record.Name), data)
	})
}

// GetServerConfig returns the configuration for one (device, server) pair.
// Returns ErrNotFound if no such record exists.
func (s *BoltStore) GetServerConfig(deviceID, serverName string) (*ServerConfigRecord, error) {
	var record ServerConfigRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketServerConfigs))
		data := bucket.Get(configKey(deviceID, serverName))
		if data == nil {
			return ErrNotFound
		}
		return record.UnmarshalBinary(data)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListServerConfigs returns all configurations for one device, sorted by name.
func (s *BoltStore) ListServerConfigs(deviceID string) ([]*ServerConfigRecord, error) {
	var records []*ServerConfigRecord
	prefix := []byte(deviceID + "/")

	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket([]byte(BucketServerConfigs)).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = cursor.Next() {
			var record ServerConfigRecord
			if err := record.UnmarshalBinary(v); err != nil {
				s.logger.Warn("Skipping corrupt server config record",
					zap.String("key", string(k)), zap.Error(err))
				continue
			}
			records = append(records, &record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Name < records[j].Name
	})
	return records, nil
}

// DeleteServerConfig removes one configuration record. Deleting a missing
// record is not an error.
func (s *BoltStore) DeleteServerConfig(deviceID, serverName string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketServerConfigs))
		return bucket.Delete(configKey(deviceID, serverName))
	})
}

// DeleteDeviceConfigs removes all configuration records for a device and
// returns the number removed.
func (s *BoltStore) DeleteDeviceConfigs(deviceID string) (int, error) {
	prefix := []byte(deviceID + "/")
	deleted := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketServerConfigs))
		cursor := bucket.Cursor()

		var keys [][]byte
		for k, _ := cursor.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = cursor.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// SaveDevice stores or replaces a device record.
func (s *BoltStore) SaveDevice(record *DeviceRecord) error {
	if record.Created.IsZero() {
		record.Created = time.Now()
	}

	data, err := record.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal device record: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketDevices))
		return bucket.Put([]byte(record.ID), data)
	})
}

// GetDevice returns one device record, or ErrNotFound.
func (s *BoltStore) GetDevice(deviceID string) (*DeviceRecord, error) {
	var record DeviceRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketDevices))
		data := bucket.Get([]byte(deviceID))
		if data == nil {
			return ErrNotFound
		}
		return record.UnmarshalBinary(data)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListDevices returns all device records, sorted by ID.
func (s *BoltStore) ListDevices() ([]*DeviceRecord, error) {
	var records []*DeviceRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(BucketDevices)).ForEach(func(k, v []byte) error {
			var record DeviceRecord
			if err := record.UnmarshalBinary(v); err != nil {
				s.logger.Warn("Skipping corrupt device record",
					zap.String("key", string(k)), zap.Error(err))
				return nil
			}
			records = append(records, &record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// TouchDevice updates a device's LastSeen timestamp.
func (s *BoltStore) TouchDevice(deviceID string) error {
	record, err := s.GetDevice(deviceID)
	if err != nil {
		return err
	}
	record.LastSeen = time.Now()
	return s.SaveDevice(record)
}

// DeleteDevice removes a device record and all of its server configurations.
func (s *BoltStore) DeleteDevice(deviceID string) error {
	if _, err := s.DeleteDeviceConfigs(deviceID); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(BucketDevices)).Delete([]byte(deviceID))
	})
}
