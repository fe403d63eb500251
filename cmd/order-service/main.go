package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jogardn/tablesync/internal/blob"
	"github.com/jogardn/tablesync/internal/circuitbreaker"
	"github.com/jogardn/tablesync/internal/config"
	"github.com/jogardn/tablesync/internal/delivery"
	"github.com/jogardn/tablesync/internal/events"
	"github.com/jogardn/tablesync/internal/intake"
	"github.com/jogardn/tablesync/internal/metrics"
	"github.com/jogardn/tablesync/internal/notifications"
	"github.com/jogardn/tablesync/internal/orders"
	"github.com/jogardn/tablesync/internal/replication"
	"github.com/jogardn/tablesync/internal/storage"
	"github.com/jogardn/tablesync/internal/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg := config.Load("8081")
	logger := config.NewLogger(cfg.LogLevel)
	registry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Announcements fan out to every configured channel; each is only a hint.
	hub := websocket.NewHub(logger)
	go hub.Run(ctx)
	announcers := replication.NewMultiAnnouncer(hub)

	var orderOpts []orders.Option
	var notificationOpts []notifications.Option

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		announcers.Add(replication.NewRedisChannel(client, "", logger))

		// serverless replicas read the authoritative snapshot from here
		layout := blob.NewLayout(blob.NewRedisStore(client, ""))
		orderOpts = append(orderOpts, orders.WithPersister(layout))
		notificationOpts = append(notificationOpts, notifications.WithPersister(layout))
		logger.WithField("addr", cfg.RedisAddr).Info("Redis replication channel configured")
	}

	if cfg.KafkaBrokers != "" {
		producer, err := events.NewProducer(cfg.KafkaBrokers, cfg.SyncTopic, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer producer.Close()
		announcers.Add(producer)
		logger.WithFields(logrus.Fields{
			"brokers": cfg.KafkaBrokers,
			"topic":   cfg.SyncTopic,
		}).Info("Kafka replication channel configured")
	}

	announcer := replication.NewMetered(announcers, registry)
	orderOpts = append(orderOpts,
		orders.WithAnnouncer(announcer),
		orders.WithSource("order-service"),
		orders.WithStrictTransitions(cfg.StrictStatusTransitions))
	notificationOpts = append(notificationOpts,
		notifications.WithAnnouncer(announcer),
		notifications.WithSource("order-service"))

	orderStore := orders.NewStore(logger, orderOpts...)
	notificationStore := notifications.NewStore(logger, notificationOpts...)

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		MaxFailures:   5,
		Cooldown:      time.Minute,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			registry.ObserveBreakerTransition(name, to.String())
		},
	}, logger)
	dispatcher := delivery.FromConfig(cfg, breakers, registry, logger)

	serviceOpts := []intake.ServiceOption{
		intake.WithStrictTransitions(cfg.StrictStatusTransitions),
	}
	handlerCfg := intake.HandlerConfig{
		Hub:           http.HandlerFunc(hub.HandleWebSocket),
		Tester:        dispatcher,
		Breakers:      breakers,
		Metrics:       registry,
		PublicBaseURL: cfg.PublicBaseURL,
	}

	// With a Kafka topic the export worker owns delivery and the spreadsheet;
	// otherwise both run inline.
	serviceOpts = append(serviceOpts, inlineSideEffects(cfg, dispatcher, breakers, registry, logger)...)

	var db *storage.Postgres
	if cfg.DB.Host != "" {
		var err error
		db, err = storage.Open(ctx, cfg.DB, 30, 2*time.Second, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		defer db.Close()

		if err := db.CreateTables(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to create tables")
		}
		serviceOpts = append(serviceOpts, intake.WithRepository(db))
		handlerCfg.Pinger = db
	} else {
		logger.Info("DB_HOST not set, orders are kept in memory only")
	}

	service := intake.NewService(orderStore, notificationStore, logger, serviceOpts...)
	if db != nil {
		if err := service.Load(ctx, db); err != nil {
			logger.WithError(err).Fatal("Failed to load orders from database")
		}
	}

	handler := intake.NewHandler(service, handlerCfg, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Port).Info("Starting order service")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	service.Wait()
	cancel()

	logger.Info("Server gracefully stopped")
}
