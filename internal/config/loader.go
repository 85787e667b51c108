package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ownWriteWindow is how long file events are ignored after a programmatic
// write. A single save can surface as several fsnotify events.
const ownWriteWindow = 500 * time.Millisecond

// Loader manages configuration loading, watching, and atomic updates.
type Loader struct {
	mu              sync.Mutex
	configPath      string
	config          *Config
	watcher         *fsnotify.Watcher
	suppressUntil   time.Time
	onChange        func(*Config) error
	logger          *zap.Logger
	stopChan        chan struct{}
	stopOnce        sync.Once
}

// NewLoader creates a new configuration loader with file watching.
func NewLoader(configPath string, logger *zap.Logger) (*Loader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Loader{
		configPath: configPath,
		watcher:    watcher,
		logger:     logger,
		stopChan:   make(chan struct{}),
	}, nil
}

// Load loads the initial configuration from file.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := LoadFromFile(l.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	l.config = cfg
	return cfg, nil
}

// Current returns the most recently loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config
}

// StartWatching starts watching the configuration file for changes.
// The onChange callback is called with the freshly parsed configuration.
func (l *Loader) StartWatching(onChange func(*Config) error) error {
	l.mu.Lock()
	l.onChange = onChange
	l.mu.Unlock()

	if err := l.watcher.Add(l.configPath); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	go l.watchLoop()

	l.logger.Info("Started watching configuration file",
		zap.String("path", l.configPath))

	return nil
}

// SetServerEnabled persists a server's enabled flag back to the watched
// file without triggering a reload. Servers the file does not declare are
// ignored; their state lives only in the store.
func (l *Loader) SetServerEnabled(deviceID, serverName string, enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.config == nil {
		return nil
	}

	changed := false
	for _, sc := range l.config.Servers {
		if sc.DeviceID == deviceID && sc.Name == serverName && sc.Enabled != enabled {
			sc.Enabled = enabled
			changed = true
		}
	}
	if !changed {
		return nil
	}

	l.suppressUntil = time.Now().Add(ownWriteWindow)
	return l.config.SaveToFile(l.configPath)
}

func (l *Loader) watchLoop() {
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				l.handleFileChange()
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("File watcher error", zap.Error(err))

		case <-l.stopChan:
			return
		}
	}
}

func (l *Loader) handleFileChange() {
	l.mu.Lock()
	if time.Now().Before(l.suppressUntil) {
		l.logger.Debug("Skipping file reload (programmatic change)")
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	l.logger.Info("Configuration file changed, reloading...")

	cfg, err := LoadFromFile(l.configPath)
	if err != nil {
		l.logger.Error("Failed to reload config, keeping previous", zap.Error(err))
		return
	}

	l.mu.Lock()
	l.config = cfg
	onChange := l.onChange
	l.mu.Unlock()

	if onChange != nil {
		if err := onChange(cfg); err != nil {
			l.logger.Error("Config change handler failed", zap.Error(err))
		}
	}
}

// Close stops watching and releases the watcher.
func (l *Loader) Close() error {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
	return l.watcher.Close()
}
