package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/leozw/uptime-sentinel/internal/config"
	"github.com/leozw/uptime-sentinel/internal/metrics"
	"github.com/leozw/uptime-sentinel/internal/notify"
	"github.com/leozw/uptime-sentinel/internal/queue"
	"github.com/leozw/uptime-sentinel/internal/storage/redis"
	"go.uber.org/zap"
)

// The worker relays incident events queued by the API to the webhook.
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

	if cfg.Redis.URL == "" {
		logger.Fatal("Worker requires redis.url")
	}

	client := redis.NewClient(cfg.Redis.URL)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Healthy(ctx); err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}

	collector := metrics.NewCollector(cfg.Mimir)
	go collector.StartRemoteWrite(ctx, logger)

	sinks := []notify.Sink{notify.NewLogSink(logger)}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.WebhookTimeout, cfg.Notify.WebhookRetries))
	}

	relay := notify.NewRelay(queue.NewRedisQueue(client.Client, cfg.Redis.EventsKey), logger, collector, sinks...)
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()

	logger.Info("Worker started", zap.String("events_key", cfg.Redis.EventsKey))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	cancel()
	<-done
	logger.Info("Worker exited")
}
