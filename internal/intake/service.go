// Package intake is the authoritative side of tablesync: it accepts orders
// from table clients and status changes from the admin screen, keeps the
// authoritative order and notification stores, and serves the snapshots that
// replicas reconcile against.
package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jogardn/tablesync/internal/notifications"
	"github.com/jogardn/tablesync/internal/orders"
	"github.com/jogardn/tablesync/internal/storage"
	"github.com/jogardn/tablesync/pkg/models"
	"github.com/sirupsen/logrus"
)

var ErrNotificationNotFound = errors.New("notification not found")

// Repository is the durable copy of the authority. Writes go to it before
// the in-memory stores so a failed write leaves both untouched.
type Repository interface {
	SaveOrder(ctx context.Context, order models.Order) error
	UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus) error
	ClearOrders(ctx context.Context) error
	SaveNotification(ctx context.Context, n models.Notification) error
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
	ClearNotifications(ctx context.Context) error
}

type Loader interface {
	LoadOrders(ctx context.Context) ([]models.Order, error)
	LoadNotifications(ctx context.Context) ([]models.Notification, error)
}

// Notifier tells staff about a new order, reporting success per channel.
type Notifier interface {
	Notify(ctx context.Context, order models.Order) map[string]bool
}

// Exporter appends a new order to an external sheet.
type Exporter interface {
	PersistExternally(ctx context.Context, order models.Order) bool
}

const sideEffectTimeout = 30 * time.Second

type Service struct {
	orders        *orders.Store
	notifications *notifications.Store

	repo     Repository
	notifier Notifier
	exporter Exporter
	strict   bool

	// serialises repository and store writes so both see the same order
	mutex       sync.Mutex
	sideEffects sync.WaitGroup
	now         func() time.Time
	logger      *logrus.Logger
}

type ServiceOption func(*Service)

func WithRepository(repo Repository) ServiceOption {
	return func(s *Service) { s.repo = repo }
}

func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

func WithExporter(e Exporter) ServiceOption {
	return func(s *Service) { s.exporter = e }
}

// WithStrictTransitions must match the order store's setting.
func WithStrictTransitions(strict bool) ServiceOption {
	return func(s *Service) { s.strict = strict }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(orderStore *orders.Store, notificationStore *notifications.Store, logger *logrus.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		orders:        orderStore,
		notifications: notificationStore,
		now:           time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces both stores with what the loader holds.
func (s *Service) Load(ctx context.Context, loader Loader) error {
	orderList, err := loader.LoadOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load orders: %w", err)
	}
	notificationList, err := loader.LoadNotifications(ctx)
	if err != nil {
		return fmt.Errorf("failed to load notifications: %w", err)
	}

	s.orders.ReplaceAll(orderList)
	s.notifications.Install(notificationList)

	// replicas reading the shared snapshot must see the loaded state before
	// the first write
	if err := s.orders.Persist(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to persist loaded orders")
	}
	if err := s.notifications.Persist(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to persist loaded notifications")
	}

	s.logger.WithFields(logrus.Fields{
		"orders":        len(orderList),
		"notifications": len(notificationList),
	}).Info("Authority loaded from repository")
	return nil
}

func (s *Service) Orders() []models.Order { return s.orders.List() }

func (s *Service) Order(id string) (models.Order, bool) { return s.orders.Get(id) }

func (s *Service) Notifications() ([]models.Notification, int) {
	list := s.notifications.List()
	return list, models.CountUnread(list)
}

// CreateOrder validates, stores and announces the order, records the admin
// notification and hands the order to the external collaborators without
// waiting for them.
func (s *Service) CreateOrder(ctx context.Context, order models.Order) (models.Order, error) {
	if err := order.Validate(); err != nil {
		return models.Order{}, err
	}
	if order.Status == "" {
		order.Status = models.DefaultStatus
	}
	if order.Timestamp.IsZero() {
		order.Timestamp = s.now()
	}

	s.mutex.Lock()
	if s.repo != nil {
		if err := s.repo.SaveOrder(ctx, order); err != nil {
			s.mutex.Unlock()
			return models.Order{}, fmt.Errorf("failed to save order: %w", err)
		}
	}
	stored, duplicate := s.orders.CreateOrder(ctx, order)
	if !duplicate {
		notification := s.notifications.Add(ctx, models.OrderNotification(stored))
		if s.repo != nil {
			if err := s.repo.SaveNotification(ctx, notification); err != nil {
				s.logger.WithError(err).WithField("notification_id", notification.ID).Error("Failed to save notification")
			}
		}
	}
	s.mutex.Unlock()

	if !duplicate {
		s.dispatch(stored)
	}
	return stored, nil
}

// UpdateStatus changes one order's status. Unknown ids return
// orders.ErrOrderNotFound.
func (s *Service) UpdateStatus(ctx context.Context, id string, status models.OrderStatus) (models.Order, error) {
	if !status.Valid() {
		return models.Order{}, fmt.Errorf("%w: %q", models.ErrInvalidStatus, status)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, ok := s.orders.Get(id)
	if !ok {
		return models.Order{}, fmt.Errorf("%w: %s", orders.ErrOrderNotFound, id)
	}
	if s.strict && !models.CanTransition(current.Status, status) {
		return models.Order{}, fmt.Errorf("%w: %s -> %s", models.ErrTransitionNotAllowed, current.Status, status)
	}
	if s.repo != nil {
		if err := s.repo.UpdateOrderStatus(ctx, id, status); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return models.Order{}, fmt.Errorf("%w: %s", orders.ErrOrderNotFound, id)
			}
			return models.Order{}, fmt.Errorf("failed to update order status: %w", err)
		}
	}
	return s.orders.TransitionStatus(ctx, id, status)
}

func (s *Service) ClearOrders(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.repo != nil {
		if err := s.repo.ClearOrders(ctx); err != nil {
			return fmt.Errorf("failed to clear orders: %w", err)
		}
	}
	s.orders.ClearAll(ctx)
	return nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.repo != nil {
		if err := s.repo.MarkNotificationRead(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
			}
			return fmt.Errorf("failed to mark notification read: %w", err)
		}
	}
	if !s.notifications.MarkRead(ctx, id) {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}
	return nil
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.repo != nil {
		if err := s.repo.MarkAllNotificationsRead(ctx); err != nil {
			return fmt.Errorf("failed to mark notifications read: %w", err)
		}
	}
	s.notifications.MarkAllRead(ctx)
	return nil
}

func (s *Service) ClearNotifications(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.repo != nil {
		if err := s.repo.ClearNotifications(ctx); err != nil {
			return fmt.Errorf("failed to clear notifications: %w", err)
		}
	}
	s.notifications.ClearAll(ctx)
	return nil
}

// Wait blocks until every dispatched side effect has finished.
func (s *Service) Wait() {
	s.sideEffects.Wait()
}

func (s *Service) dispatch(order models.Order) {
	if s.notifier == nil && s.exporter == nil {
		return
	}

	s.sideEffects.Add(1)
	go func() {
		defer s.sideEffects.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()

		fields := logrus.Fields{"order_id": order.ID}
		if s.notifier != nil {
			fields["notified"] = s.notifier.Notify(ctx, order)
		}
		if s.exporter != nil {
			fields["exported"] = s.exporter.PersistExternally(ctx, order)
		}
		s.logger.WithFields(fields).Info("Order side effects completed")
	}()
}

// IsValidation reports whether err is a request the caller got wrong.
func IsValidation(err error) bool {
	for _, target := range []error{
		models.ErrMissingOrderID,
		models.ErrNoItems,
		models.ErrInvalidQuantity,
		models.ErrTotalMismatch,
		models.ErrInvalidStatus,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
