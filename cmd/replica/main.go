package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jogardn/tablesync/internal/blob"
	"github.com/jogardn/tablesync/internal/config"
	"github.com/jogardn/tablesync/internal/metrics"
	"github.com/jogardn/tablesync/internal/orders"
	"github.com/jogardn/tablesync/internal/reconcile"
	"github.com/jogardn/tablesync/internal/replica"
	"github.com/jogardn/tablesync/internal/replication"
	"github.com/jogardn/tablesync/internal/websocket"
	"github.com/jogardn/tablesync/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg := config.Load("8090")
	logger := config.NewLogger(cfg.LogLevel)
	registry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	var sources replica.Sources
	switch {
	case cfg.IntakeURL != "":
		client := orders.NewClient(cfg.IntakeURL, logger)
		sources.Orders = reconcile.FetchFunc[models.Order](client.FetchOrders)
		sources.Notifications = reconcile.FetchFunc[models.Notification](client.FetchNotifications)
		logger.WithField("url", cfg.IntakeURL).Info("Reconciling against intake API")
	case redisClient != nil:
		shared := blob.NewLayout(blob.NewRedisStore(redisClient, ""))
		sources.Orders = reconcile.FetchFunc[models.Order](shared.FetchOrders)
		sources.Notifications = reconcile.FetchFunc[models.Notification](shared.FetchNotifications)
		logger.WithField("addr", cfg.RedisAddr).Info("Reconciling against shared Redis snapshot")
	default:
		logger.Fatal("INTAKE_URL or REDIS_ADDR must be set")
	}

	switch {
	case cfg.WSURL != "":
		sources.Signals = websocket.NewSubscriber(cfg.WSURL, logger)
	case redisClient != nil:
		sources.Signals = replication.NewRedisChannel(redisClient, "", logger)
	default:
		logger.Warn("No signal channel configured, relying on polling")
	}

	if cfg.ReplicaDir != "" {
		cache, err := blob.NewPebbleStore(cfg.ReplicaDir)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open replica cache")
		}
		defer cache.Close()
		sources.Cache = blob.NewLayout(cache)
	}

	rep := replica.New(replica.Config{
		Source:         cfg.Source,
		Interval:       cfg.PollInterval,
		DebounceWindow: cfg.DebounceWindow,
		Metrics:        registry,
	}, sources, logger)
	rep.Start(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rep.Router(registry),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":   cfg.Port,
			"source": cfg.Source,
		}).Info("Starting replica")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down replica...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	cancel()
	rep.Wait()

	logger.Info("Replica stopped")
}
