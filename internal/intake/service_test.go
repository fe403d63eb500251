package intake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jogardn/tablesync/internal/notifications"
	"github.com/jogardn/tablesync/internal/orders"
	"github.com/jogardn/tablesync/internal/storage"
	"github.com/jogardn/tablesync/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func sampleOrder(id string) models.Order {
	return models.Order{
		ID:          id,
		TableNumber: "3",
		Items: []models.OrderItem{
			{ID: "x", Name: "Highball", Price: "500 yen", Quantity: 2, PriceValue: 500},
		},
		TotalAmount: 1000,
	}
}

type fakeRepository struct {
	mutex         sync.Mutex
	orders        map[string]models.Order
	notifications []models.Notification
	fail          error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{orders: make(map[string]models.Order)}
}

func (r *fakeRepository) SaveOrder(ctx context.Context, order models.Order) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.orders[order.ID] = order
	return nil
}

func (r *fakeRepository) UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.fail != nil {
		return r.fail
	}
	order, ok := r.orders[id]
	if !ok {
		return storage.ErrNotFound
	}
	order.Status = status
	r.orders[id] = order
	return nil
}

func (r *fakeRepository) ClearOrders(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.orders = make(map[string]models.Order)
	return nil
}

func (r *fakeRepository) SaveNotification(ctx context.Context, n models.Notification) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.notifications = append(r.notifications, n)
	return nil
}

func (r *fakeRepository) MarkNotificationRead(ctx context.Context, id string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for i := range r.notifications {
		if r.notifications[i].ID == id {
			r.notifications[i].Read = true
			return nil
		}
	}
	return storage.ErrNotFound
}

func (r *fakeRepository) MarkAllNotificationsRead(ctx context.Context) error { return r.fail }

func (r *fakeRepository) ClearNotifications(ctx context.Context) error { return r.fail }

func (r *fakeRepository) LoadOrders(ctx context.Context) ([]models.Order, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	out := make([]models.Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, o)
	}
	return out, nil
}

func (r *fakeRepository) LoadNotifications(ctx context.Context) ([]models.Notification, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]models.Notification{}, r.notifications...), nil
}

type recordingNotifier struct {
	mutex  sync.Mutex
	orders []string
}

func (n *recordingNotifier) Notify(ctx context.Context, order models.Order) map[string]bool {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.orders = append(n.orders, order.ID)
	return map[string]bool{"slack": true}
}

type failingExporter struct{ calls int }

func (e *failingExporter) PersistExternally(ctx context.Context, order models.Order) bool {
	e.calls++
	return false
}

func newService(opts ...ServiceOption) *Service {
	logger := testLogger()
	return NewService(orders.NewStore(logger), notifications.NewStore(logger), logger, opts...)
}

func TestCreateOrderStoresAndNotifies(t *testing.T) {
	notifier := &recordingNotifier{}
	exporter := &failingExporter{}
	fixed := time.Date(2024, 5, 1, 19, 0, 0, 0, time.UTC)
	svc := newService(WithNotifier(notifier), WithExporter(exporter), WithClock(func() time.Time { return fixed }))

	stored, err := svc.CreateOrder(context.Background(), sampleOrder("o1"))
	require.NoError(t, err)
	svc.Wait()

	assert.Equal(t, models.StatusUnserved, stored.Status)
	assert.Equal(t, fixed, stored.Timestamp)
	assert.Len(t, svc.Orders(), 1)

	list, unread := svc.Notifications()
	require.Len(t, list, 1)
	assert.Equal(t, 1, unread)
	assert.Equal(t, models.NotificationOrder, list[0].Type)
	assert.Equal(t, "New order: table 3", list[0].Title)

	// export failing does not fail the order
	assert.Equal(t, []string{"o1"}, notifier.orders)
	assert.Equal(t, 1, exporter.calls)
}

func TestCreateOrderRejectsInvalid(t *testing.T) {
	svc := newService()

	noItems := sampleOrder("o1")
	noItems.Items = nil
	_, err := svc.CreateOrder(context.Background(), noItems)
	assert.ErrorIs(t, err, models.ErrNoItems)
	assert.True(t, IsValidation(err))

	_, err = svc.CreateOrder(context.Background(), sampleOrder(""))
	assert.ErrorIs(t, err, models.ErrMissingOrderID)
	assert.Empty(t, svc.Orders())
}

func TestRepositoryFailureLeavesStoreUntouched(t *testing.T) {
	repo := newFakeRepository()
	repo.fail = errors.New("connection refused")
	svc := newService(WithRepository(repo))

	_, err := svc.CreateOrder(context.Background(), sampleOrder("o1"))
	require.Error(t, err)
	assert.False(t, IsValidation(err))
	assert.Empty(t, svc.Orders())
	list, _ := svc.Notifications()
	assert.Empty(t, list)
}

func TestDuplicateCreateDoesNotDispatchTwice(t *testing.T) {
	notifier := &recordingNotifier{}
	svc := newService(WithNotifier(notifier))

	_, err := svc.CreateOrder(context.Background(), sampleOrder("o1"))
	require.NoError(t, err)
	_, err = svc.CreateOrder(context.Background(), sampleOrder("o1"))
	require.NoError(t, err)
	svc.Wait()

	assert.Len(t, svc.Orders(), 1)
	assert.Equal(t, []string{"o1"}, notifier.orders)
	list, _ := svc.Notifications()
	assert.Len(t, list, 1)
}

func TestUpdateStatus(t *testing.T) {
	repo := newFakeRepository()
	svc := newService(WithRepository(repo))
	ctx := context.Background()

	_, err := svc.CreateOrder(ctx, sampleOrder("o1"))
	require.NoError(t, err)

	updated, err := svc.UpdateStatus(ctx, "o1", models.StatusServed)
	require.NoError(t, err)
	assert.Equal(t, models.StatusServed, updated.Status)
	assert.Equal(t, models.StatusServed, repo.orders["o1"].Status)

	_, err = svc.UpdateStatus(ctx, "missing", models.StatusServed)
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)

	_, err = svc.UpdateStatus(ctx, "o1", "LOST")
	assert.True(t, IsValidation(err))
}

func TestStrictTransitions(t *testing.T) {
	logger := testLogger()
	svc := NewService(orders.NewStore(logger, orders.WithStrictTransitions(true)), notifications.NewStore(logger), logger,
		WithStrictTransitions(true))
	ctx := context.Background()

	_, err := svc.CreateOrder(ctx, sampleOrder("o1"))
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, "o1", models.StatusCancelled)
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, "o1", models.StatusServed)
	assert.ErrorIs(t, err, models.ErrTransitionNotAllowed)
	order, _ := svc.Order("o1")
	assert.Equal(t, models.StatusCancelled, order.Status)
}

func TestNotificationOperations(t *testing.T) {
	repo := newFakeRepository()
	svc := newService(WithRepository(repo))
	ctx := context.Background()

	for _, id := range []string{"o1", "o2"} {
		_, err := svc.CreateOrder(ctx, sampleOrder(id))
		require.NoError(t, err)
	}
	list, unread := svc.Notifications()
	require.Len(t, list, 2)
	assert.Equal(t, 2, unread)
	assert.Len(t, repo.notifications, 2)

	require.NoError(t, svc.MarkNotificationRead(ctx, list[0].ID))
	_, unread = svc.Notifications()
	assert.Equal(t, 1, unread)

	assert.ErrorIs(t, svc.MarkNotificationRead(ctx, "unknown"), ErrNotificationNotFound)

	require.NoError(t, svc.MarkAllNotificationsRead(ctx))
	_, unread = svc.Notifications()
	assert.Equal(t, 0, unread)

	require.NoError(t, svc.ClearNotifications(ctx))
	list, _ = svc.Notifications()
	assert.Empty(t, list)
}

func TestClearOrders(t *testing.T) {
	repo := newFakeRepository()
	svc := newService(WithRepository(repo))
	ctx := context.Background()

	_, err := svc.CreateOrder(ctx, sampleOrder("o1"))
	require.NoError(t, err)
	require.NoError(t, svc.ClearOrders(ctx))
	assert.Empty(t, svc.Orders())
	assert.Empty(t, repo.orders)
}

func TestLoad(t *testing.T) {
	repo := newFakeRepository()
	order := sampleOrder("o1")
	order.Status = models.StatusServed
	repo.orders["o1"] = order
	repo.notifications = []models.Notification{{ID: "n1"}, {ID: "n2", Read: true}}

	svc := newService()
	require.NoError(t, svc.Load(context.Background(), repo))

	stored, ok := svc.Order("o1")
	require.True(t, ok)
	assert.Equal(t, models.StatusServed, stored.Status)
	_, unread := svc.Notifications()
	assert.Equal(t, 1, unread)
}

type snapshotRecorder struct {
	orders        []models.Order
	notifications []models.Notification
	writes        int
}

func (r *snapshotRecorder) PersistOrders(ctx context.Context, list []models.Order, lastUpdated int64) error {
	r.orders = list
	r.writes++
	return nil
}

func (r *snapshotRecorder) PersistNotifications(ctx context.Context, list []models.Notification) error {
	r.notifications = list
	r.writes++
	return nil
}

func TestLoadPersistsSnapshotForSharedReaders(t *testing.T) {
	repo := newFakeRepository()
	repo.orders["o1"] = sampleOrder("o1")
	repo.notifications = []models.Notification{{ID: "n1"}}

	logger := testLogger()
	shared := &snapshotRecorder{}
	svc := NewService(
		orders.NewStore(logger, orders.WithPersister(shared)),
		notifications.NewStore(logger, notifications.WithPersister(shared)),
		logger)
	require.NoError(t, svc.Load(context.Background(), repo))

	assert.Equal(t, 2, shared.writes)
	require.Len(t, shared.orders, 1)
	assert.Equal(t, "o1", shared.orders[0].ID)
	require.Len(t, shared.notifications, 1)
	assert.Equal(t, "n1", shared.notifications[0].ID)
}
