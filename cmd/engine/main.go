// SQLInsight engine — serves the query API, runs the three saga step
// consumers, and keeps the tool catalog synced with the capability registry.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sqlinsight/engine/pkg/account"
	"github.com/sqlinsight/engine/pkg/api"
	"github.com/sqlinsight/engine/pkg/broker"
	"github.com/sqlinsight/engine/pkg/config"
	"github.com/sqlinsight/engine/pkg/llm"
	"github.com/sqlinsight/engine/pkg/metrics"
	"github.com/sqlinsight/engine/pkg/saga/state"
	"github.com/sqlinsight/engine/pkg/tools"
	"github.com/sqlinsight/engine/pkg/version"
	"github.com/sqlinsight/engine/pkg/workers"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting engine",
		"version", version.Full(),
		"listen_addr", cfg.ListenAddr,
		"instance", cfg.Instance)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Metrics registry
	metrics.Init()

	// 3. Saga state store (Redis)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	stateStore := state.New(rdb)
	slog.Info("Connected to Redis state store", "addr", cfg.RedisAddr)

	// 4. Account store (Postgres, runs migrations)
	accounts, err := account.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to initialize account store", "error", err)
		os.Exit(1)
	}
	defer accounts.Close()
	slog.Info("Connected to metadata database")

	// 5. Broker publisher
	publisher, err := broker.NewPublisher(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()
	slog.Info("Connected to message broker")

	// 6. Tool manager, with an eager catalog sync. A failed initial refresh
	// is non-fatal: providers may register after we start, and Definitions
	// retries on an empty catalog.
	toolManager := tools.NewManager(tools.ManagerConfig{
		RegistryURL:    cfg.RegistryURL,
		SemaphoreWidth: int64(cfg.SemaphoreWidth),
	})
	if err := toolManager.Refresh(ctx, true); err != nil {
		slog.Warn("Initial tool catalog refresh failed", "registry", cfg.RegistryURL, "error", err)
	}

	// 7. LLM client
	var llmClient llm.Client
	if cfg.MockLLM {
		llmClient = llm.NewMockClient()
		slog.Info("Using mock LLM client")
	} else {
		llmClient, err = llm.NewGeminiClient(ctx, llm.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
		})
		if err != nil {
			slog.Error("Failed to initialize LLM client", "error", err)
			os.Exit(1)
		}
	}

	// 8. Step consumers
	deps := workers.Deps{
		LLM:       llmClient,
		Tools:     toolManager,
		State:     stateStore,
		Publisher: publisher,
		Instance:  cfg.Instance,
	}
	consumerCfg := func(queue string) broker.ConsumerConfig {
		c := broker.DefaultConsumerConfig(queue)
		c.Prefetch = cfg.Prefetch
		c.Workers = cfg.Workers
		return c
	}
	consumers := []*broker.Consumer{
		broker.NewConsumer(cfg.RabbitMQURL, consumerCfg(broker.QueueGenerate),
			workers.NewGenerateWorker(deps).Handle),
		broker.NewConsumer(cfg.RabbitMQURL, consumerCfg(broker.QueueExecute),
			workers.NewExecuteWorker(deps).Handle),
		broker.NewConsumer(cfg.RabbitMQURL, consumerCfg(broker.QueueFormat),
			workers.NewFormatWorker(deps).Handle),
	}
	for _, c := range consumers {
		c.Start(ctx)
	}

	// 9. API server
	apiServer := api.NewServer(cfg.ListenAddr, accounts, stateStore, publisher)
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Engine started", "workers_per_queue", cfg.Workers, "prefetch", cfg.Prefetch)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("API server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop accepting HTTP first, then drain consumers.
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := apiServer.Shutdown(httpCtx); err != nil {
		slog.Error("API server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		for _, c := range consumers {
			c.Stop()
		}
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Consumers stopped gracefully")
	case <-time.After(30 * time.Second):
		slog.Warn("Consumer shutdown timeout exceeded; unacked deliveries will be redelivered")
	}

	slog.Info("Shutdown complete")
}
