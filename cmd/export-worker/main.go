package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/tablesync/internal/circuitbreaker"
	"github.com/jogardn/tablesync/internal/config"
	"github.com/jogardn/tablesync/internal/delivery"
	"github.com/jogardn/tablesync/internal/events"
	"github.com/jogardn/tablesync/internal/export"
	"github.com/jogardn/tablesync/internal/metrics"
	"github.com/jogardn/tablesync/internal/orders"
	"github.com/sirupsen/logrus"
)

func main() {
	backfill := flag.Bool("backfill", false, "export every existing order once and exit")
	dryRun := flag.Bool("dry-run", false, "with -backfill, only count the orders that would be exported")
	flag.Parse()

	cfg := config.Load("8082")
	logger := config.NewLogger(cfg.LogLevel)
	registry := metrics.NewRegistry()

	if cfg.IntakeURL == "" {
		logger.Fatal("INTAKE_URL must be set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		MaxFailures:   5,
		Cooldown:      time.Minute,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			registry.ObserveBreakerTransition(name, to.String())
		},
	}, logger)
	exporter := export.NewClient(cfg.SheetWebhookURL, logger,
		export.WithBreaker(breakers.Get("export")),
		export.WithMetrics(registry))
	if cfg.SheetWebhookURL != "" {
		if err := exporter.WriteHeader(ctx); err != nil {
			logger.WithError(err).Warn("Failed to write spreadsheet header")
		}
	}

	intake := orders.NewClient(cfg.IntakeURL, logger)

	if *backfill {
		bfConfig := export.DefaultBackfillConfig()
		bfConfig.DryRun = *dryRun
		result, err := export.NewBackfill(intake, exporter, bfConfig, logger).Run(ctx)
		if err != nil {
			logger.WithError(err).Fatal("Backfill failed")
		}
		logger.WithFields(logrus.Fields{
			"total":    result.TotalOrders,
			"exported": result.Exported,
			"failed":   result.Failed,
		}).Info("Backfill finished")
		return
	}

	if cfg.KafkaBrokers == "" {
		logger.Fatal("KAFKA_BROKERS must be set")
	}

	w := &worker{
		orders:   intake,
		notifier: delivery.FromConfig(cfg, breakers, registry, logger),
		exporter: exporter,
		logger:   logger,
	}

	var consumer *events.Consumer
	var err error
	for i := 0; i < 10; i++ {
		consumer, err = events.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.SyncTopic, w, logger)
		if err == nil {
			break
		}
		logger.WithError(err).WithField("attempt", i+1).Warn("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka consumer after retries")
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"brokers": cfg.KafkaBrokers,
			"topic":   cfg.SyncTopic,
			"group":   cfg.KafkaGroupID,
		}).Info("Starting export worker")
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Error("Kafka consumer error")
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods("GET")
	router.Handle("/metrics", registry.Handler()).Methods("GET")

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.WithField("port", cfg.Port).Info("Starting health server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down export worker...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server forced to shutdown")
	}
	cancel()
	if err := consumer.Close(); err != nil {
		logger.WithError(err).Error("Failed to close Kafka consumer")
	}

	logger.Info("Export worker stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy","service":"export-worker"}`))
}
