// Package main is the entry point for the coderelay broker: it wires the
// sandbox driver, persistence index, credential manager, orchestrator,
// session registry, and HTTP API into one process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/api"
	"github.com/coderelay/coderelay/internal/auth"
	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/common/tracing"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/index"
	"github.com/coderelay/coderelay/internal/orchestrator"
	"github.com/coderelay/coderelay/internal/registry"
	"github.com/coderelay/coderelay/internal/sandbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting coderelay broker...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory unless NATS is configured
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		memBus := bus.NewMemoryEventBus(log)
		eventBus = memBus
		defer memBus.Close()
	}

	driver, err := sandbox.NewDriver(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to create sandbox driver", zap.Error(err))
	}
	defer driver.Close()
	if err := driver.Ping(ctx); err != nil {
		log.Fatal("Container engine not available", zap.Error(err))
	}
	log.Info("Connected to container engine")

	idx, err := index.Load(cfg.IndexFilePath(), log)
	if err != nil {
		log.Fatal("Failed to load sandbox index", zap.Error(err))
	}

	oauthClient := auth.NewOAuthClient(
		cfg.Auth.TokenEndpoint,
		cfg.Auth.RevokeEndpoint,
		cfg.Auth.ClientID,
		cfg.Auth.CallbackPortBase,
		nil,
		log,
	)
	store := auth.NewStore(cfg.CredentialFilePath(), cfg.Auth.RefreshGuardDuration(), oauthClient, log)
	authManager := auth.NewManager(cfg.Auth, store, log)

	orch, err := orchestrator.New(cfg, driver, idx, authManager, eventBus, log)
	if err != nil {
		log.Fatal("Failed to create orchestrator", zap.Error(err))
	}
	orch.StartReaper(ctx)

	reg := registry.New(cfg.Registry, orch, log)
	reg.StartSweeper(ctx)

	handler := api.NewHandler(orch, reg, driver, log)
	router := api.NewRouter(handler, reg, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}

	reg.StopSweeper()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error("Orchestrator shutdown failed", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown failed", zap.Error(err))
	}

	log.Info("Shutdown complete")
}
