// Package app wires configuration, storage, the faculty registry, the
// control plane, and the HTTP server into one runnable daemon.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bobmcallan/animus/internal/common"
	"github.com/bobmcallan/animus/internal/interfaces"
	"github.com/bobmcallan/animus/internal/server"
	"github.com/bobmcallan/animus/internal/services/engine"
	"github.com/bobmcallan/animus/internal/services/faculty"
	"github.com/bobmcallan/animus/internal/storage/postgres"
)

// App holds all initialized services and configuration. It is the shared
// core used by cmd/animus-server.
type App struct {
	Config       *common.Config
	Logger       *common.Logger
	Storage      interfaces.StorageManager
	Registry     *faculty.Registry
	ControlPlane *engine.ControlPlane
	Server       *server.Server
	StartupTime  time.Time

	watcherCancel context.CancelFunc
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes configuration, storage, the faculty registry, the
// control plane, and the HTTP server. configPath may be empty, in which
// case the default resolution logic applies.
func NewApp(configPath string) (*App, error) {
	startupStart := time.Now()

	binDir := getBinaryDir()

	// Resolve config: provided path, ANIMUS_CONFIG, binary dir, then the
	// development fallback.
	if configPath == "" {
		configPath = os.Getenv("ANIMUS_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "animus-server.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/animus-server.toml"
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := common.NewLogger(config.Logging.Level)

	ctx := context.Background()

	storageManager, err := postgres.NewManager(ctx, logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	// The queue must exist before the first submit or read.
	if err := storageManager.WorkQueue().Create(ctx, config.Control.QueueName); err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to create work queue: %w", err)
	}

	registry := faculty.NewRegistry(config.Control.FacultyDir, logger)
	if err := registry.Load(); err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to load faculties: %w", err)
	}

	controlPlane := engine.NewControlPlane(
		storageManager,
		registry,
		logger,
		engine.ControlConfigFrom(config.Control),
	)

	httpServer := server.New(storageManager, logger, config.Server)

	app := &App{
		Config:       config,
		Logger:       logger,
		Storage:      storageManager,
		Registry:     registry,
		ControlPlane: controlPlane,
		Server:       httpServer,
		StartupTime:  time.Now(),
	}

	logger.Info().
		Int64("startup_ms", time.Since(startupStart).Milliseconds()).
		Msg("Application initialized")

	return app, nil
}

// Start launches the control plane and the faculty directory watcher.
func (a *App) Start() {
	a.ControlPlane.Start()

	ctx, cancel := context.WithCancel(context.Background())
	a.watcherCancel = cancel
	go func() {
		if err := a.Registry.Watch(ctx); err != nil && ctx.Err() == nil {
			a.Logger.Warn().Err(err).Msg("Faculty watcher exited")
		}
	}()
}

// Close drains the control plane and releases storage.
func (a *App) Close() {
	if a.watcherCancel != nil {
		a.watcherCancel()
		a.watcherCancel = nil
	}
	a.ControlPlane.Stop()
	if err := a.Storage.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Storage close failed")
	}
}
