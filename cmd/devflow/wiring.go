package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/agent/registry"
	"github.com/devflow/devflow/internal/common/config"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/db"
	"github.com/devflow/devflow/internal/project"
	"github.com/devflow/devflow/internal/runtime"
	"github.com/devflow/devflow/internal/runtime/local"
	"github.com/devflow/devflow/internal/runtime/remote"
	"github.com/devflow/devflow/internal/task/engine"
	"github.com/devflow/devflow/internal/task/store"
)

// loadConfig reads configuration honoring the root --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func newLoggerFromConfig(cfg *config.Config) (*logger.Logger, error) {
	return logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
}

// buildStore opens the task store selected by database.driver. The returned
// store owns its pool; Close releases everything.
func buildStore(cfg *config.Config, log *logger.Logger) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverMemory:
		log.Info("Using in-memory task store")
		return store.NewMemory(), nil
	case config.DriverSQLite, config.DriverPostgres:
		pool, err := db.Open(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		sqlStore, err := store.NewSQL(pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("initialize task store: %w", err)
		}
		log.Info("Task store ready", zap.String("driver", cfg.Database.Driver))
		return sqlStore, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// buildRegistry loads the built-in roles plus any custom roles from the
// project context tree under the current directory.
func buildRegistry(cfg *config.Config, log *logger.Logger) (*registry.Registry, error) {
	reg := registry.New(log)
	if err := reg.LoadBuiltins(); err != nil {
		return nil, fmt.Errorf("load builtin roles: %w", err)
	}
	if err := reg.LoadCustomDir(project.AgentsDir(".", cfg.Project.ContextDir)); err != nil {
		return nil, fmt.Errorf("load custom roles: %w", err)
	}
	return reg, nil
}

// buildTransport selects the transport for runtime.mode: in-process
// execution for local-only, the wire client for everything else.
func buildTransport(cfg *config.Config, eng *engine.Engine, reg *registry.Registry, log *logger.Logger) runtime.Transport {
	if cfg.Runtime.Mode == config.ModeLocalOnly {
		log.Info("Using in-process task transport")
		return local.NewAdapter(eng, local.NewLoopbackSpawner(), reg, log)
	}
	log.Info("Using remote execution node", zap.String("url", cfg.Runtime.RemoteURL))
	return remote.NewClient(cfg.Runtime, log)
}
