package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/config"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/common/tracing"
	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/node"
	"github.com/devflow/devflow/internal/runtime/local"
	"github.com/devflow/devflow/internal/security"
	"github.com/devflow/devflow/internal/task/engine"
)

func newNodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "node",
		Short: "Run an execution node",
		Long: `Node runs only the execution side: the task engine, the in-process
adapter, and the HTTP/WebSocket API a remote orchestrator drives.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runNode(cfg)
		},
	}
}

func runNode(cfg *config.Config) error {
	// 1. Logger
	log, err := newLoggerFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting devflow execution node...", zap.String("version", Version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Tracing
	if err := tracing.Init(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName); err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			log.Warn("Tracing shutdown error", zap.Error(err))
		}
	}()

	// 3. Event bus
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer closeBus()

	// 4. Task store and engine
	st, err := buildStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	eng := engine.New(st, log, engine.WithEventBus(provided.Bus))

	// 5. Agent roles and in-process execution
	reg, err := buildRegistry(cfg, log)
	if err != nil {
		return err
	}
	adapter := local.NewAdapter(eng, local.NewLoopbackSpawner(), reg, log)
	defer adapter.Close()

	// 6. Security service
	sec := security.NewService(cfg.Security, log)

	// 7. Node HTTP server
	srv := node.New(cfg.Server, adapter, sec, log)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start node server: %w", err)
	}
	log.Info("Execution node ready", zap.String("addr", srv.Addr()))

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down execution node...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Execution node stopped")
	return nil
}
