package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Lordmau5/Node-Media-Server/internal/auth"
	"github.com/Lordmau5/Node-Media-Server/internal/event"
	"github.com/Lordmau5/Node-Media-Server/internal/history"
	"github.com/Lordmau5/Node-Media-Server/internal/hooks"
	"github.com/Lordmau5/Node-Media-Server/internal/metrics"
	"github.com/Lordmau5/Node-Media-Server/internal/server"
	"github.com/Lordmau5/Node-Media-Server/internal/session"
	"github.com/Lordmau5/Node-Media-Server/internal/stream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the FLV listeners and the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", cfgFile),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("address", cfg.Server.Address),
		slog.Bool("websocket", cfg.Server.WebSocket),
		slog.Bool("ingest_enabled", cfg.Ingest.Enabled),
		slog.Int("ingest_port", cfg.Ingest.Port),
		slog.Bool("play_auth", cfg.Auth.Play),
		slog.Bool("publish_auth", cfg.Auth.Publish),
		slog.Bool("gop_cache", cfg.Relay.GOPCache),
		slog.String("unpublish_policy", cfg.Relay.UnpublishPolicy),
		slog.Bool("hooks_enabled", cfg.Hooks.Enabled),
		slog.Bool("history_enabled", cfg.History.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	bus := event.NewBus()

	registry := stream.NewRegistry(logger, cfg.Relay.GetIdlePlayerTimeoutDuration())
	logger.Info("Stream registry initialized",
		slog.Duration("idle_player_timeout", cfg.Relay.GetIdlePlayerTimeoutDuration()),
	)

	manager := session.NewManager(session.Options{
		Auth:        cfg.Auth,
		Relay:       cfg.Relay,
		AllowOrigin: cfg.Server.AllowOrigin,
	}, registry, bus, auth.NewSignatureVerifier(), appMetrics, logger)

	// Webhook notifications (if enabled)
	var hookClient *hooks.Client
	if cfg.Hooks.Enabled {
		kinds, err := cfg.Hooks.EventKinds()
		if err != nil {
			return err
		}
		hookClient, err = hooks.NewClient(hooks.Config{
			Endpoint:      cfg.Hooks.Endpoint,
			Timeout:       cfg.Hooks.GetTimeoutDuration(),
			MaxRetries:    cfg.Hooks.MaxRetries,
			MaxConcurrent: cfg.Hooks.MaxConcurrent,
			Kinds:         kinds,
		}, appMetrics, logger)
		if err != nil {
			return fmt.Errorf("failed to create hooks client: %w", err)
		}
		detach := hookClient.Attach(bus)
		defer detach()
		logger.Info("Webhook notifications enabled", slog.String("endpoint", cfg.Hooks.Endpoint))
	}

	// Session history (if enabled)
	var historyStore *history.Store
	if cfg.History.Enabled {
		historyStore, err = history.Open(cfg.History.Path, cfg.History.QueueSize, appMetrics, logger)
		if err != nil {
			return fmt.Errorf("failed to open history store: %w", err)
		}
		detach := historyStore.Attach(bus)
		defer detach()
	}

	flvServer := server.NewFLVServer(cfg.Server, logger, manager)

	var ingestServer *server.IngestServer
	if cfg.Ingest.Enabled {
		ingestServer = server.NewIngestServer(cfg.Ingest, cfg.Server, logger, manager)
	}

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, server.Sources{
			Manager: manager,
			Bus:     bus,
			FLV:     flvServer,
			Ingest:  ingestServer,
			Hooks:   hookClient,
			History: historyStore,
		}, appMetrics, prometheus.DefaultGatherer)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	if err := flvServer.Start(); err != nil {
		return fmt.Errorf("failed to start FLV server: %w", err)
	}

	if ingestServer != nil {
		if err := ingestServer.Start(); err != nil {
			return fmt.Errorf("failed to start ingest server: %w", err)
		}
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("flv_address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-cmd.Context().Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop HTTP API first (stop accepting new requests)
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Ending every session lets the listeners' handlers return
	registry.Stop()

	if err := flvServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping FLV server", slog.String("error", err.Error()))
	}

	if ingestServer != nil {
		if err := ingestServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping ingest server", slog.String("error", err.Error()))
		}
	}

	// Flush notifications emitted during teardown
	if hookClient != nil {
		if err := hookClient.Close(shutdownCtx); err != nil {
			logger.Warn("Pending webhook deliveries abandoned", slog.String("error", err.Error()))
		}
	}

	if historyStore != nil {
		if err := historyStore.Close(); err != nil {
			logger.Error("Error closing history store", slog.String("error", err.Error()))
		}
	}

	// Get final statistics
	stats := flvServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("http_sessions", stats.HTTPSessions),
		slog.Uint64("ws_sessions", stats.WSSessions),
		slog.Uint64("rejected", stats.Rejected),
		slog.Uint64("events_emitted", bus.Emitted()),
	)

	logger.Info("Service stopped")
	return nil
}
