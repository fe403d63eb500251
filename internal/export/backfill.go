package export

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jogardn/tablesync/pkg/models"
	"github.com/sirupsen/logrus"
)

// OrderLister is where a backfill reads the orders to export.
type OrderLister interface {
	FetchOrders(ctx context.Context) ([]models.Order, error)
}

type Persister interface {
	PersistExternally(ctx context.Context, order models.Order) bool
}

type BackfillConfig struct {
	BatchSize    int
	Concurrency  int
	DelayBetween time.Duration
	DryRun       bool
	// Statuses limits the backfill to orders in these states. Empty means all.
	Statuses []models.OrderStatus
}

func DefaultBackfillConfig() BackfillConfig {
	return BackfillConfig{
		BatchSize:    50,
		Concurrency:  5,
		DelayBetween: 100 * time.Millisecond,
	}
}

type BackfillResult struct {
	TotalOrders    int           `json:"total_orders"`
	Exported       int           `json:"exported"`
	Failed         int           `json:"failed"`
	FailedOrderIDs []string      `json:"failed_order_ids"`
	ProcessingTime time.Duration `json:"processing_time"`
	DryRun         bool          `json:"dry_run"`
}

// Backfill re-exports existing orders for a sheet that was
// configured after orders had already been taken.
type Backfill struct {
	source OrderLister
	target Persister
	config BackfillConfig
	logger *logrus.Logger
}

func NewBackfill(source OrderLister, target Persister, config BackfillConfig, logger *logrus.Logger) *Backfill {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	return &Backfill{source: source, target: target, config: config, logger: logger}
}

func (b *Backfill) Run(ctx context.Context) (*BackfillResult, error) {
	start := time.Now()
	result := &BackfillResult{FailedOrderIDs: []string{}, DryRun: b.config.DryRun}

	all, err := b.source.FetchOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders for backfill: %w", err)
	}
	selected := b.filter(all)
	result.TotalOrders = len(selected)

	b.logger.WithFields(logrus.Fields{
		"available": len(all),
		"selected":  len(selected),
		"dry_run":   b.config.DryRun,
	}).Info("Starting export backfill")

	if b.config.DryRun || len(selected) == 0 {
		result.ProcessingTime = time.Since(start)
		return result, nil
	}

	var (
		wg        sync.WaitGroup
		mutex     sync.Mutex
		semaphore = make(chan struct{}, b.config.Concurrency)
	)
	for _, batch := range b.batches(selected) {
		wg.Add(1)
		go func(batch []models.Order) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			exported, failed := b.processBatch(ctx, batch)
			mutex.Lock()
			result.Exported += exported
			result.Failed += len(failed)
			result.FailedOrderIDs = append(result.FailedOrderIDs, failed...)
			mutex.Unlock()

			if b.config.DelayBetween > 0 {
				select {
				case <-time.After(b.config.DelayBetween):
				case <-ctx.Done():
				}
			}
		}(batch)
	}
	wg.Wait()

	result.ProcessingTime = time.Since(start)
	b.logger.WithFields(logrus.Fields{
		"exported": result.Exported,
		"failed":   result.Failed,
		"duration": result.ProcessingTime,
	}).Info("Export backfill completed")
	return result, nil
}

// filter keeps the requested statuses in arrival order.
func (b *Backfill) filter(all []models.Order) []models.Order {
	wanted := make(map[models.OrderStatus]bool, len(b.config.Statuses))
	for _, s := range b.config.Statuses {
		wanted[s] = true
	}
	selected := make([]models.Order, 0, len(all))
	for _, order := range all {
		if len(wanted) == 0 || wanted[order.Status] {
			selected = append(selected, order)
		}
	}
	return selected
}

func (b *Backfill) batches(orders []models.Order) [][]models.Order {
	var batches [][]models.Order
	for i := 0; i < len(orders); i += b.config.BatchSize {
		end := i + b.config.BatchSize
		if end > len(orders) {
			end = len(orders)
		}
		batches = append(batches, orders[i:end])
	}
	return batches
}

func (b *Backfill) processBatch(ctx context.Context, batch []models.Order) (int, []string) {
	exported := 0
	var failed []string
	for _, order := range batch {
		if ctx.Err() != nil {
			failed = append(failed, order.ID)
			continue
		}
		if b.target.PersistExternally(ctx, order) {
			exported++
		} else {
			failed = append(failed, order.ID)
		}
	}
	return exported, failed
}
