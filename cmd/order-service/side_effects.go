package main

import (
	"github.com/jogardn/tablesync/internal/circuitbreaker"
	"github.com/jogardn/tablesync/internal/config"
	"github.com/jogardn/tablesync/internal/export"
	"github.com/jogardn/tablesync/internal/intake"
	"github.com/jogardn/tablesync/internal/metrics"
	"github.com/sirupsen/logrus"
)

// inlineSideEffects returns the notifier and exporter the intake service runs
// itself. When Kafka is configured the export worker consumes add-order
// announcements and runs both, so the service runs neither.
func inlineSideEffects(cfg *config.Config, notifier intake.Notifier, breakers *circuitbreaker.Manager, registry *metrics.Registry, logger *logrus.Logger) []intake.ServiceOption {
	if cfg.KafkaBrokers != "" {
		logger.Info("Kafka configured, delivery and export left to the export worker")
		return nil
	}

	opts := []intake.ServiceOption{intake.WithNotifier(notifier)}
	if cfg.SheetWebhookURL != "" {
		opts = append(opts, intake.WithExporter(export.NewClient(cfg.SheetWebhookURL, logger,
			export.WithBreaker(breakers.Get("export")),
			export.WithMetrics(registry))))
	}
	return opts
}
