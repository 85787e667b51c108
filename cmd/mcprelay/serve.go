package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mcprelay-go/internal/config"
	"mcprelay-go/internal/device"
	"mcprelay-go/internal/events"
	"mcprelay-go/internal/logs"
	"mcprelay-go/internal/relay"
	"mcprelay-go/internal/server"
	"mcprelay-go/internal/shutdown"
	"mcprelay-go/internal/storage"
)

// serveCmd starts the relay server
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the relay: the HTTP API, the device WebSocket endpoint, and
the MCP connection manager with health monitoring and reconnection.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting mcprelay",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.String("data_dir", cfg.DataDir))

	bus := events.NewBus()

	store, err := storage.NewBoltStore(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	// Watch the config file so newly provisioned servers appear without a
	// restart.
	var loader *config.Loader
	if path := viper.GetString("config"); path != "" {
		loader, err = config.NewLoader(path, logger)
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		if _, err := loader.Load(); err != nil {
			return err
		}
	}

	// Pre-provision tool server configs declared in the config file.
	fileServers := cfg.Servers
	if loader != nil {
		fileServers = loader.Current().Servers
	}
	for _, serverCfg := range fileServers {
		if err := store.SaveServerConfig(storage.RecordFromConfig(serverCfg)); err != nil {
			logger.Warn("Failed to provision server config",
				zap.String("server", serverCfg.Name), zap.Error(err))
		}
	}

	if loader != nil {
		err = loader.StartWatching(func(next *config.Config) error {
			for _, serverCfg := range next.Servers {
				if err := store.SaveServerConfig(storage.RecordFromConfig(serverCfg)); err != nil {
					logger.Warn("Failed to provision server config on reload",
						zap.String("server", serverCfg.Name), zap.Error(err))
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Toggles on file-declared servers persist back to the file so a
		// reload cannot silently re-enable them.
		toggleCh := bus.Subscribe(events.ServerToggled)
		go func() {
			for ev := range toggleCh {
				data, _ := ev.Data.(map[string]any)
				enabled, _ := data["enabled"].(bool)
				if err := loader.SetServerEnabled(ev.DeviceID, ev.ServerName, enabled); err != nil {
					logger.Warn("Failed to write server toggle to config file",
						zap.String("server", ev.ServerName), zap.Error(err))
				}
			}
		}()
	}

	manager := relay.NewManager(cfg, store, bus, logger)
	manager.StartHealthMonitor()

	registry := device.NewRegistry(store, logger)
	srv := server.NewServer(cfg, manager, registry, store, bus, logger)

	coordinator := shutdown.NewCoordinator(logger)
	coordinator.SetDefaultTimeout(cfg.ShutdownTimeout.Duration())
	coordinator.RegisterFunc("http", shutdown.PhaseSessions, srv.Shutdown)
	coordinator.RegisterFunc("connections", shutdown.PhaseConnections, manager.Shutdown)
	coordinator.RegisterFunc("storage", shutdown.PhaseStorage, func(_ context.Context) error {
		return store.Close()
	})
	coordinator.RegisterFunc("events", shutdown.PhaseCleanup, func(_ context.Context) error {
		bus.Close()
		return nil
	})
	if loader != nil {
		coordinator.RegisterFunc("config-watcher", shutdown.PhaseCleanup, func(_ context.Context) error {
			return loader.Close()
		})
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.HTTPShutdownTimeout)
	defer cancel()
	return coordinator.Shutdown(shutdownCtx)
}

// loadConfig resolves configuration from file, flags, and environment.
// Flags and environment variables override file values.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config

	if path := viper.GetString("config"); path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}

	if listen := viper.GetString("listen"); listen != "" {
		cfg.Listen = listen
	}
	if dataDir := viper.GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if level := viper.GetString("log-level"); level != "" {
		if cfg.Logging == nil {
			cfg.Logging = config.DefaultConfig().Logging
		}
		cfg.Logging.Level = level
	}
	if cfg.Logging != nil && cfg.Logging.LogDir == "" {
		cfg.Logging.LogDir = cfg.DataDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
