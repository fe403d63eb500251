package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jogardn/tablesync/internal/replication"
	"github.com/jogardn/tablesync/pkg/models"
	"github.com/sirupsen/logrus"
)

var ErrOrderNotFound = errors.New("order not found")

// Persister receives the full order list after every originating write.
// In a shared-blob deployment it writes the blob other replicas fetch.
type Persister interface {
	PersistOrders(ctx context.Context, orders []models.Order, lastUpdated int64) error
}

type StatusChange struct {
	OrderID string             `json:"orderId"`
	Status  models.OrderStatus `json:"status"`
}

// Store is one replica of the order list. Originating writes (create, status
// change, clear) are persisted and announced; ReplaceAll installs a fetched
// snapshot silently.
type Store struct {
	writeMutex sync.Mutex
	mutex      sync.RWMutex

	orders      []models.Order
	index       map[string]int
	lastUpdated int64
	revision    uint64

	announcer replication.Announcer
	persister Persister
	strict    bool
	source    string
	now       func() time.Time
	logger    *logrus.Logger
}

type Option func(*Store)

func WithAnnouncer(a replication.Announcer) Option {
	return func(s *Store) { s.announcer = a }
}

func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithStrictTransitions enables the UNSERVED -> SERVED|CANCELLED lifecycle.
func WithStrictTransitions(strict bool) Option {
	return func(s *Store) { s.strict = strict }
}

func WithSource(source string) Option {
	return func(s *Store) { s.source = source }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(logger *logrus.Logger, opts ...Option) *Store {
	s := &Store{
		index:  make(map[string]int),
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder appends the order. Creating an id that already exists is
// idempotent: the stored record is returned unchanged, nothing is announced,
// and the second result reports the duplicate.
func (s *Store) CreateOrder(ctx context.Context, order models.Order) (models.Order, bool) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	s.mutex.Lock()
	if idx, exists := s.index[order.ID]; exists {
		stored := s.orders[idx].Clone()
		s.mutex.Unlock()
		s.logger.WithField("order_id", order.ID).Debug("Order already stored, ignoring duplicate create")
		return stored, true
	}

	order = order.Clone()
	if order.Status == "" {
		order.Status = models.DefaultStatus
	}
	if order.Timestamp.IsZero() {
		order.Timestamp = s.now()
	}
	s.orders = append(s.orders, order)
	s.index[order.ID] = len(s.orders) - 1
	s.touchLocked()
	s.mutex.Unlock()

	s.logger.WithFields(logrus.Fields{
		"order_id":     order.ID,
		"table_number": order.TableNumber,
		"total_amount": order.TotalAmount,
	}).Info("Order stored")

	s.propagate(ctx, replication.EventOrderAdded, order)
	return order.Clone(), false
}

// SetOrderStatus changes only the status field. Unknown ids (and, in strict
// mode, disallowed transitions) leave the store untouched and return false.
func (s *Store) SetOrderStatus(ctx context.Context, id string, status models.OrderStatus) (models.Order, bool) {
	order, err := s.TransitionStatus(ctx, id, status)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"order_id": id,
			"status":   status,
		}).Warn("Order status not updated")
		return models.Order{}, false
	}
	return order, true
}

// TransitionStatus is SetOrderStatus with the reason for a refusal.
func (s *Store) TransitionStatus(ctx context.Context, id string, status models.OrderStatus) (models.Order, error) {
	if !status.Valid() {
		return models.Order{}, fmt.Errorf("%w: %q", models.ErrInvalidStatus, status)
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	s.mutex.Lock()
	idx, ok := s.index[id]
	if !ok {
		s.mutex.Unlock()
		return models.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	current := s.orders[idx]
	if s.strict && !models.CanTransition(current.Status, status) {
		s.mutex.Unlock()
		return models.Order{}, fmt.Errorf("%w: %s -> %s", models.ErrTransitionNotAllowed, current.Status, status)
	}
	s.orders[idx].Status = status
	s.touchLocked()
	updated := s.orders[idx].Clone()
	s.mutex.Unlock()

	s.logger.WithFields(logrus.Fields{
		"order_id":    id,
		"from_status": current.Status,
		"to_status":   status,
	}).Info("Order status updated")

	s.propagate(ctx, replication.EventOrderStatusChanged, StatusChange{OrderID: id, Status: status})
	return updated, nil
}

func (s *Store) ClearAll(ctx context.Context) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	s.mutex.Lock()
	cleared := len(s.orders)
	s.orders = []models.Order{}
	s.index = make(map[string]int)
	s.touchLocked()
	s.mutex.Unlock()

	s.logger.WithField("cleared", cleared).Info("All orders cleared")
	s.propagate(ctx, replication.EventOrdersCleared, nil)
}

// ReplaceAll installs a snapshot wholesale. It is used by reconciliation and
// by startup loading, and never persists or announces.
func (s *Store) ReplaceAll(orders []models.Order) {
	next := models.CloneOrders(orders)
	index := make(map[string]int, len(next))
	for i, o := range next {
		index[o.ID] = i
	}

	s.mutex.Lock()
	s.orders = next
	s.index = index
	s.touchLocked()
	s.mutex.Unlock()
}

// Persist writes the current list to the persister, if any, without
// announcing. Used after a ReplaceAll that the shared medium has not seen.
func (s *Store) Persist(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	s.mutex.RLock()
	snapshot := models.CloneOrders(s.orders)
	lastUpdated := s.lastUpdated
	s.mutex.RUnlock()
	return s.persister.PersistOrders(ctx, snapshot, lastUpdated)
}

// Snapshot returns the list together with the revision it was taken at.
func (s *Store) Snapshot() ([]models.Order, uint64) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return models.CloneOrders(s.orders), s.revision
}

// CompareAndReplace installs orders only if no mutation happened since
// revision was observed.
func (s *Store) CompareAndReplace(revision uint64, orders []models.Order) bool {
	next := models.CloneOrders(orders)
	index := make(map[string]int, len(next))
	for i, o := range next {
		index[o.ID] = i
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.revision != revision {
		return false
	}
	s.orders = next
	s.index = index
	s.touchLocked()
	return true
}

// List returns a point-in-time snapshot. Later writes never modify it.
func (s *Store) List() []models.Order {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return models.CloneOrders(s.orders)
}

func (s *Store) Get(id string) (models.Order, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	idx, ok := s.index[id]
	if !ok {
		return models.Order{}, false
	}
	return s.orders[idx].Clone(), true
}

func (s *Store) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.orders)
}

// LastUpdated is the unix-millisecond time of the last mutation. It is
// strictly increasing so it can be compared instead of the contents.
func (s *Store) LastUpdated() int64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastUpdated
}

// Revision counts mutations, including installed snapshots.
func (s *Store) Revision() uint64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.revision
}

func (s *Store) touchLocked() {
	ts := s.now().UnixMilli()
	if ts <= s.lastUpdated {
		ts = s.lastUpdated + 1
	}
	s.lastUpdated = ts
	s.revision++
}

func (s *Store) propagate(ctx context.Context, eventType replication.EventType, payload interface{}) {
	if s.persister != nil {
		s.mutex.RLock()
		snapshot := models.CloneOrders(s.orders)
		lastUpdated := s.lastUpdated
		s.mutex.RUnlock()

		if err := s.persister.PersistOrders(ctx, snapshot, lastUpdated); err != nil {
			s.logger.WithError(err).WithField("event_type", eventType).Error("Failed to persist orders")
		}
	}
	replication.Publish(ctx, s.announcer, s.logger, eventType, s.source, payload)
}
