// Package replica is one client's view of the orders and notifications: two
// local stores kept current by reconciliation runners that wake on change
// signals, on a polling interval and on explicit user refreshes.
package replica

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jogardn/tablesync/internal/blob"
	"github.com/jogardn/tablesync/internal/metrics"
	"github.com/jogardn/tablesync/internal/notifications"
	"github.com/jogardn/tablesync/internal/orders"
	"github.com/jogardn/tablesync/internal/reconcile"
	"github.com/jogardn/tablesync/internal/replication"
	"github.com/jogardn/tablesync/pkg/models"
	"github.com/sirupsen/logrus"
)

const cacheWriteTimeout = 5 * time.Second

type Config struct {
	Source         string
	Interval       time.Duration
	DebounceWindow time.Duration
	Metrics        *metrics.Registry
}

// Sources are where the replica reads truth and hears about changes.
// Signals and Cache are optional.
type Sources struct {
	Orders        reconcile.Fetcher[models.Order]
	Notifications reconcile.Fetcher[models.Notification]
	Signals       replication.Subscriber
	Cache         *blob.Layout
}

type Replica struct {
	cfg     Config
	sources Sources

	orders        *orders.Store
	notifications *notifications.Store
	orderRunner   *reconcile.Runner
	noteRunner    *reconcile.Runner

	wg     sync.WaitGroup
	logger *logrus.Logger
}

func New(cfg Config, sources Sources, logger *logrus.Logger) *Replica {
	return &Replica{
		cfg:           cfg,
		sources:       sources,
		orders:        orders.NewStore(logger, orders.WithSource(cfg.Source)),
		notifications: notifications.NewStore(logger, notifications.WithSource(cfg.Source)),
		logger:        logger,
	}
}

// Start restores the cached snapshot, subscribes to change signals and
// launches both runners. A missing signal channel only degrades the replica
// to polling.
func (r *Replica) Start(ctx context.Context) {
	r.restore(ctx)

	var feeds map[replication.Collection]<-chan replication.Announcement
	if r.sources.Signals != nil {
		feed, err := r.sources.Signals.Subscribe(ctx)
		if err != nil {
			r.logger.WithError(err).Warn("Change signals unavailable, relying on polling")
		} else {
			feeds = replication.Route(ctx, feed, replication.CollectionOrders, replication.CollectionNotifications)
		}
	}

	orderEngine := reconcile.NewEngine(reconcile.Config{
		Collection: string(replication.CollectionOrders),
		Metrics:    r.cfg.Metrics,
	}, r.sources.Orders, r.orders, reconcile.OrderDiffer, r.logger)
	noteEngine := reconcile.NewEngine(reconcile.Config{
		Collection: string(replication.CollectionNotifications),
		Metrics:    r.cfg.Metrics,
	}, r.sources.Notifications, r.notifications, reconcile.NotificationDiffer, r.logger)

	r.orderRunner = reconcile.NewRunner(orderEngine, feeds[replication.CollectionOrders], reconcile.RunnerConfig{
		Interval:       r.cfg.Interval,
		DebounceWindow: r.cfg.DebounceWindow,
		Metrics:        r.cfg.Metrics,
		OnUpdate:       r.cacheOrders,
	}, r.logger)
	r.noteRunner = reconcile.NewRunner(noteEngine, feeds[replication.CollectionNotifications], reconcile.RunnerConfig{
		Interval:       r.cfg.Interval,
		DebounceWindow: r.cfg.DebounceWindow,
		Metrics:        r.cfg.Metrics,
		OnUpdate:       r.cacheNotifications,
	}, r.logger)

	for _, runner := range []*reconcile.Runner{r.orderRunner, r.noteRunner} {
		r.wg.Add(1)
		go func(runner *reconcile.Runner) {
			defer r.wg.Done()
			runner.Run(ctx)
		}(runner)
	}
}

// Wait returns once both runners have stopped.
func (r *Replica) Wait() { r.wg.Wait() }

func (r *Replica) Orders() []models.Order { return r.orders.List() }

func (r *Replica) Notifications() ([]models.Notification, int) {
	return r.notifications.List(), r.notifications.UnreadCount()
}

// Refresh forces a pass on both collections and returns the feedback for
// each, keyed by collection.
func (r *Replica) Refresh(ctx context.Context) map[string]reconcile.Feedback {
	var (
		wg       sync.WaitGroup
		mutex    sync.Mutex
		feedback = make(map[string]reconcile.Feedback, 2)
	)
	runners := map[replication.Collection]*reconcile.Runner{
		replication.CollectionOrders:        r.orderRunner,
		replication.CollectionNotifications: r.noteRunner,
	}
	for collection, runner := range runners {
		wg.Add(1)
		go func(collection replication.Collection, runner *reconcile.Runner) {
			defer wg.Done()
			fb := runner.Refresh(ctx)
			mutex.Lock()
			feedback[string(collection)] = fb
			mutex.Unlock()
		}(collection, runner)
	}
	wg.Wait()
	return feedback
}

// Focus asks both runners for a pass without waiting for it.
func (r *Replica) Focus() {
	r.orderRunner.Focus()
	r.noteRunner.Focus()
}

func (r *Replica) restore(ctx context.Context) {
	if r.sources.Cache == nil {
		return
	}

	orderList, _, err := r.sources.Cache.ReadOrders(ctx)
	switch {
	case err == nil:
		r.orders.ReplaceAll(orderList)
	case !errors.Is(err, blob.ErrNotFound):
		r.logger.WithError(err).Warn("Cached orders unreadable, starting empty")
	}

	notificationList, err := r.sources.Cache.FetchNotifications(ctx)
	switch {
	case err == nil:
		r.notifications.Install(notificationList)
	case !errors.Is(err, blob.ErrNotFound):
		r.logger.WithError(err).Warn("Cached notifications unreadable, starting empty")
	}

	r.logger.WithFields(logrus.Fields{
		"orders":        r.orders.Len(),
		"notifications": len(r.notifications.List()),
	}).Info("Replica restored from cache")
}

func (r *Replica) cacheOrders(result reconcile.Result, hint *replication.Announcement) {
	if r.sources.Cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
	defer cancel()

	list, _ := r.orders.Snapshot()
	if err := r.sources.Cache.PersistOrders(ctx, list, r.orders.LastUpdated()); err != nil {
		r.logger.WithError(err).Warn("Failed to cache orders")
	}
}

func (r *Replica) cacheNotifications(result reconcile.Result, hint *replication.Announcement) {
	if r.sources.Cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
	defer cancel()

	if err := r.sources.Cache.PersistNotifications(ctx, r.notifications.List()); err != nil {
		r.logger.WithError(err).Warn("Failed to cache notifications")
	}
}
