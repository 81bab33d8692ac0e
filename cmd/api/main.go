package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leozw/uptime-sentinel/internal/api"
	"github.com/leozw/uptime-sentinel/internal/api/handlers"
	"github.com/leozw/uptime-sentinel/internal/audit"
	"github.com/leozw/uptime-sentinel/internal/checks"
	"github.com/leozw/uptime-sentinel/internal/config"
	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/leozw/uptime-sentinel/internal/db"
	"github.com/leozw/uptime-sentinel/internal/incidents"
	"github.com/leozw/uptime-sentinel/internal/metrics"
	"github.com/leozw/uptime-sentinel/internal/monitors"
	"github.com/leozw/uptime-sentinel/internal/notify"
	"github.com/leozw/uptime-sentinel/internal/projects"
	"github.com/leozw/uptime-sentinel/internal/queue"
	"github.com/leozw/uptime-sentinel/internal/scheduler"
	"github.com/leozw/uptime-sentinel/internal/sla"
	"github.com/leozw/uptime-sentinel/internal/storage/redis"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	store, err := openStore(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.NewCollector(cfg.Mimir)
	go collector.StartRemoteWrite(ctx, logger)

	// Notifications
	sinks := []notify.Sink{notify.NewLogSink(logger)}
	var cache handlers.HealthChecker
	if cfg.Redis.URL != "" {
		client := redis.NewClient(cfg.Redis.URL)
		defer client.Close()
		cache = client

		// the worker relays queued events to the webhook
		sinks = append(sinks, notify.NewQueueSink(queue.NewRedisQueue(client.Client, cfg.Redis.EventsKey)))
	} else if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.WebhookTimeout, cfg.Notify.WebhookRetries))
	}
	dispatcher := notify.NewDispatcher(cfg.Notify.BufferSize, logger, collector, sinks...)
	go dispatcher.Run(context.Background())

	// Engine
	policy := core.NewStatusPolicy(cfg.Policy.UnhealthyStatusMin)
	ledger := audit.NewLedger(store, logger)
	manager := incidents.NewManager(store, ledger, policy, dispatcher, collector, logger)

	slaStore := sla.NewStore(store, policy, cfg.Retention, logger)
	if err := slaStore.Warm(ctx); err != nil {
		logger.Warn("Failed to warm probe history", zap.Error(err))
	}
	go slaStore.StartRetention(ctx)

	executor := checks.NewExecutor(cfg.Scheduler.MaxTimeout, checks.DefaultRunners(cfg.Scheduler.DNSResolver))
	sched := scheduler.New(executor, manager, slaStore, collector, logger, scheduler.OptionsFromConfig(cfg.Scheduler))
	if err := sched.Start(ctx, store); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// API
	monitorService := monitors.NewService(store, ledger, manager, sched, slaStore, collector, logger)
	projectService := projects.NewService(store, slaStore, logger)
	evaluator := sla.NewEvaluator(slaStore, store, sla.TargetsFromConfig(cfg.SLA))
	handler := handlers.NewHandler(store, monitorService, manager, ledger, projectService, evaluator, cache, logger)
	server := api.NewServer(cfg.Server.Mode, handler, collector.Handler(), logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("API server started",
		zap.String("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Driver),
		zap.Int("monitors", sched.Len()),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("Scheduler stopped with in-flight probes", zap.Error(err))
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("Notifications left undelivered", zap.Error(err))
	}
	cancel()

	logger.Info("Server exited")
}

func openStore(cfg config.DatabaseConfig, logger *zap.Logger) (db.Store, error) {
	if cfg.Driver != "postgres" {
		logger.Warn("Using in-memory store; state is lost on restart")
		return db.NewMemoryStore(), nil
	}

	if cfg.AutoMigrate {
		if err := db.Migrate(cfg.URL); err != nil {
			return nil, err
		}
		logger.Info("Database migrations applied")
	}

	conn, err := db.NewConnection(cfg)
	if err != nil {
		return nil, err
	}
	return db.NewRepository(conn), nil
}
