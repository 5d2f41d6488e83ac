// SQLInsight capability registry — tracks tool providers, probes their
// health, and serves the provider catalog the engine discovers tools from.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sqlinsight/engine/pkg/config"
	"github.com/sqlinsight/engine/pkg/metrics"
	"github.com/sqlinsight/engine/pkg/registry"
	"github.com/sqlinsight/engine/pkg/version"
)

func main() {
	cfg := config.LoadRegistry()

	slog.Info("Starting registry",
		"version", version.Full(),
		"listen_addr", cfg.ListenAddr)

	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := registry.NewStore()

	// Seed permanent providers from configuration.
	if cfg.StaticServices != "" {
		services, err := registry.ParseStaticServices(cfg.StaticServices)
		if err != nil {
			slog.Error("Invalid MCP_SERVICES value", "error", err)
			os.Exit(1)
		}
		store.Seed(services)
		slog.Info("Seeded static providers", "count", len(services))
	}

	monitor := registry.NewMonitor(store, registry.DefaultCheckInterval)
	monitor.CheckAll(ctx)
	monitor.Start(ctx)
	defer monitor.Stop()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           registry.NewRouter(store),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Registry listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error triggered shutdown", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
