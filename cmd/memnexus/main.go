// Package main is the entry point for the memnexus coordination service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/common/config"
	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/common/tracing"
	"github.com/memnexus/memnexus/internal/memory/store"
	memsync "github.com/memnexus/memnexus/internal/memory/sync"
	"github.com/memnexus/memnexus/internal/orchestrator/engine"
	"github.com/memnexus/memnexus/internal/orchestrator/intervention"
	"github.com/memnexus/memnexus/internal/server"
	"github.com/memnexus/memnexus/internal/session"
	v1 "github.com/memnexus/memnexus/pkg/api/v1"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting memnexus",
		zap.String("store_backend", cfg.Store.Backend),
		zap.Int("port", cfg.Server.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer, err := tracing.Setup(ctx, tracing.Config{
		Enabled:  cfg.Tracing.Enabled,
		Endpoint: cfg.Tracing.Endpoint,
		Service:  cfg.Tracing.Service,
	})
	if err != nil {
		log.Fatal("failed to set up tracing", zap.Error(err))
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal("failed to open memory store", zap.Error(err))
	}
	defer st.Close()

	bus := memsync.NewBus(log)
	defer bus.Close()

	if cfg.NATS.Enabled {
		bridge, err := memsync.NewNATSBridge(cfg.NATS.URL, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer bridge.Close()
		bus.AttachBridge(bridge)
		log.Info("sync bridge connected", zap.String("url", cfg.NATS.URL))
	}

	registry := intervention.NewRegistry(log,
		intervention.WithMonitorInterval(cfg.Intervention.MonitorInterval))
	defer registry.Close()

	eng := engine.New(engine.Config{
		MaxRetries:          cfg.Orchestrator.MaxRetries,
		DependencyTimeout:   cfg.Orchestrator.DependencyTimeout,
		DependencyPoll:      cfg.Orchestrator.DependencyPoll,
		StarvationThreshold: cfg.Orchestrator.StarvationThreshold,
		ApprovalTimeout:     cfg.Intervention.ApprovalTimeout,
	}, registry, log)

	sessions := session.NewManager(st, bus, eng, session.Config{
		StopGrace:      cfg.Orchestrator.StopGracePeriod,
		RequestTimeout: cfg.ACP.RequestTimeout,
		PromptTimeout:  cfg.ACP.PromptTimeout,
	}, log)

	// Every task state change goes out on the session's sync topic.
	eng.OnProgress(func(p v1.TaskProgress) {
		bus.Publish(ctx, memsync.Event{
			Type:      memsync.EventTaskProgress,
			SessionID: p.SessionID,
			Progress:  &p,
			Timestamp: time.Now().UTC(),
			Source:    "engine",
		})
	})

	handlers := server.NewHandlers(sessions, eng, st, bus, registry, log)
	srv := server.NewServer(handlers, cfg.Server.Host, cfg.Server.Port, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server did not shut down cleanly", zap.Error(err))
	}
	sessions.Shutdown(shutdownCtx)
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracer shutdown failed", zap.Error(err))
	}
	log.Info("memnexus stopped")
}

// openStore selects the persistence backend.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.URL, nil, cfg.VectorDim)
	default:
		return store.NewSQLiteStore(cfg.Path, nil, cfg.VectorDim)
	}
}
