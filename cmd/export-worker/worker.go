package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jogardn/tablesync/internal/orders"
	"github.com/jogardn/tablesync/internal/replication"
	"github.com/jogardn/tablesync/pkg/models"
	"github.com/sirupsen/logrus"
)

type orderGetter interface {
	GetOrder(ctx context.Context, id string) (models.Order, error)
}

type notifier interface {
	Notify(ctx context.Context, order models.Order) map[string]bool
}

type exporter interface {
	PersistExternally(ctx context.Context, order models.Order) bool
}

// worker runs the side effects of a new order. The announcement only says
// which order was added; the order itself is fetched from the intake API.
type worker struct {
	orders   orderGetter
	notifier notifier
	exporter exporter
	logger   *logrus.Logger
}

func (w *worker) HandleAnnouncement(ctx context.Context, a replication.Announcement) error {
	if a.Type != replication.EventOrderAdded {
		return nil
	}

	var hint struct {
		ID string `json:"id"`
	}
	if err := a.DecodePayload(&hint); err != nil || hint.ID == "" {
		w.logger.WithField("source", a.Source).Warn("add-order announcement without an order id")
		return nil
	}

	order, err := w.orders.GetOrder(ctx, hint.ID)
	if errors.Is(err, orders.ErrOrderNotFound) {
		// cleared before we got to it
		w.logger.WithField("order_id", hint.ID).Info("Announced order no longer exists, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch order %s: %w", hint.ID, err)
	}

	delivered := w.notifier.Notify(ctx, order)
	exported := w.exporter.PersistExternally(ctx, order)

	w.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"table":    order.TableNumber,
		"channels": delivered,
		"exported": exported,
	}).Info("Order side effects completed")
	return nil
}
