package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/ecoalerta/monitor-ambiental/services/api/app"
	"github.com/ecoalerta/monitor-ambiental/services/api/cache"
	"github.com/ecoalerta/monitor-ambiental/services/api/config"
	"github.com/ecoalerta/monitor-ambiental/services/api/db"
	"github.com/ecoalerta/monitor-ambiental/services/api/events"
	httpserver "github.com/ecoalerta/monitor-ambiental/services/api/http"
	"github.com/ecoalerta/monitor-ambiental/services/api/ingest"
	"github.com/ecoalerta/monitor-ambiental/services/api/observability"
	"github.com/ecoalerta/monitor-ambiental/services/api/realtime"
	"github.com/ecoalerta/monitor-ambiental/services/api/scheduler"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connection error: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	metrics := observability.NewMetrics()

	hub := realtime.NewHub(realtime.Options{}, metrics, logger.With("component", "hub"))
	defer hub.Close()
	observers := []ingest.Observer{hub}

	var snapshots *cache.Realtime
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		snapshots = cache.NewRealtime(redisClient, cfg.Redis.CacheTTL, logger.With("component", "cache"))
		if err := snapshots.Ping(ctx); err != nil {
			// The cache is optional; reads fall back to the database.
			logger.Warn("redis unreachable", "addr", cfg.Redis.Addr, "error", err)
		}
		observers = append(observers, snapshots)
	}

	if cfg.Kafka.Enabled() {
		publisher := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.SyncTopic, logger.With("component", "events"))
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("close kafka publisher", "error", err)
			}
		}()
		observers = append(observers, publisher)
	}

	svc, err := app.NewSyncService(cfg, store, metrics, logger, observers...)
	if err != nil {
		return err
	}

	sched := scheduler.New(svc, cfg.Sync.Interval, cfg.Sync.Timeout, logger.With("component", "scheduler"))
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	srv := httpserver.New(cfg, httpserver.Deps{
		Sync:   svc,
		Store:  store,
		Cache:  snapshots,
		Hub:    hub,
		Logger: logger.With("component", "http"),
	})
	logger.Info("REST API listening", "addr", cfg.ListenAddr())

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
