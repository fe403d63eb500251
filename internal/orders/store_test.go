package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jogardn/tablesync/internal/replication"
	"github.com/jogardn/tablesync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOrder(id string) models.Order {
	return models.Order{
		ID:          id,
		TableNumber: "3",
		Items: []models.OrderItem{
			{ID: "x", Name: "Highball", Price: "¥500", Quantity: 2, PriceValue: 500},
		},
		TotalAmount: 1000,
		Status:      models.StatusUnserved,
	}
}

type recordingAnnouncer struct {
	mutex sync.Mutex
	seen  []replication.Announcement
	err   error
}

func (r *recordingAnnouncer) Announce(ctx context.Context, a replication.Announcement) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.seen = append(r.seen, a)
	return r.err
}

func (r *recordingAnnouncer) types() []replication.EventType {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	var out []replication.EventType
	for _, a := range r.seen {
		out = append(out, a.Type)
	}
	return out
}

type recordingPersister struct {
	calls       int
	lastOrders  []models.Order
	lastUpdated int64
	err         error
}

func (p *recordingPersister) PersistOrders(ctx context.Context, orders []models.Order, lastUpdated int64) error {
	p.calls++
	p.lastOrders = orders
	p.lastUpdated = lastUpdated
	return p.err
}

func TestCreateOrderAppendsAndAnnounces(t *testing.T) {
	announcer := &recordingAnnouncer{}
	store := NewStore(testLogger(), WithAnnouncer(announcer), WithSource("table-3"))

	stored, duplicate := store.CreateOrder(context.Background(), sampleOrder("o1"))
	assert.False(t, duplicate)
	assert.Equal(t, "o1", stored.ID)
	assert.False(t, stored.Timestamp.IsZero())
	assert.Equal(t, 1, store.Len())

	require.Equal(t, []replication.EventType{replication.EventOrderAdded}, announcer.types())
	assert.Equal(t, replication.CollectionOrders, announcer.seen[0].Collection)
	assert.Equal(t, "table-3", announcer.seen[0].Source)

	var hint models.Order
	require.NoError(t, announcer.seen[0].DecodePayload(&hint))
	assert.Equal(t, "o1", hint.ID)
}

func TestCreateOrderDefaultsStatus(t *testing.T) {
	store := NewStore(testLogger())
	o := sampleOrder("o1")
	o.Status = ""

	stored, _ := store.CreateOrder(context.Background(), o)
	assert.Equal(t, models.StatusUnserved, stored.Status)
}

func TestCreateOrderDuplicateKeepsStoredRecord(t *testing.T) {
	ctx := context.Background()
	announcer := &recordingAnnouncer{}
	store := NewStore(testLogger(), WithAnnouncer(announcer))
	store.CreateOrder(ctx, sampleOrder("o1"))
	store.CreateOrder(ctx, sampleOrder("o2"))
	revision := store.Revision()
	lastUpdated := store.LastUpdated()

	resent := sampleOrder("o1")
	resent.TableNumber = "7"
	resent.Items = []models.OrderItem{{ID: "g", Name: "Gin Tonic", Quantity: 3, PriceValue: 600}}
	resent.TotalAmount = 1800
	stored, duplicate := store.CreateOrder(ctx, resent)
	assert.True(t, duplicate)
	assert.Equal(t, "3", stored.TableNumber)

	list := store.List()
	require.Len(t, list, 2)
	assert.Equal(t, "o1", list[0].ID)
	assert.Equal(t, "3", list[0].TableNumber)
	assert.Equal(t, "Highball", list[0].Items[0].Name)
	assert.Equal(t, "o2", list[1].ID)

	assert.Equal(t, revision, store.Revision())
	assert.Equal(t, lastUpdated, store.LastUpdated())
	assert.Equal(t, []replication.EventType{replication.EventOrderAdded, replication.EventOrderAdded}, announcer.types())
}

func TestSetOrderStatusUnknownIDIsNoop(t *testing.T) {
	ctx := context.Background()
	announcer := &recordingAnnouncer{}
	store := NewStore(testLogger(), WithAnnouncer(announcer))
	store.CreateOrder(ctx, sampleOrder("o1"))

	before := store.List()
	lastUpdated := store.LastUpdated()

	_, ok := store.SetOrderStatus(ctx, "nope", models.StatusServed)
	assert.False(t, ok)
	assert.Equal(t, before, store.List())
	assert.Equal(t, lastUpdated, store.LastUpdated())
	assert.Len(t, announcer.types(), 1)

	_, err := store.TransitionStatus(ctx, "nope", models.StatusServed)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestSetOrderStatusChangesOnlyStatus(t *testing.T) {
	ctx := context.Background()
	announcer := &recordingAnnouncer{}
	store := NewStore(testLogger(), WithAnnouncer(announcer))
	created, _ := store.CreateOrder(ctx, sampleOrder("o1"))
	lastUpdated := store.LastUpdated()

	updated, ok := store.SetOrderStatus(ctx, "o1", models.StatusServed)
	require.True(t, ok)
	assert.Equal(t, models.StatusServed, updated.Status)
	assert.Equal(t, created.Items, updated.Items)
	assert.Equal(t, created.TotalAmount, updated.TotalAmount)
	assert.Greater(t, store.LastUpdated(), lastUpdated)

	assert.Equal(t, []replication.EventType{replication.EventOrderAdded, replication.EventOrderStatusChanged}, announcer.types())
	var change StatusChange
	require.NoError(t, announcer.seen[1].DecodePayload(&change))
	assert.Equal(t, StatusChange{OrderID: "o1", Status: models.StatusServed}, change)
}

func TestSetOrderStatusRejectsInvalidStatus(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testLogger())
	store.CreateOrder(ctx, sampleOrder("o1"))

	_, err := store.TransitionStatus(ctx, "o1", models.OrderStatus("EATEN"))
	assert.ErrorIs(t, err, models.ErrInvalidStatus)
}

func TestStrictTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testLogger(), WithStrictTransitions(true))
	store.CreateOrder(ctx, sampleOrder("o1"))

	_, err := store.TransitionStatus(ctx, "o1", models.StatusServed)
	require.NoError(t, err)

	_, err = store.TransitionStatus(ctx, "o1", models.StatusUnserved)
	assert.ErrorIs(t, err, models.ErrTransitionNotAllowed)

	got, _ := store.Get("o1")
	assert.Equal(t, models.StatusServed, got.Status)
}

func TestUnguardedTransitionsByDefault(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testLogger())
	store.CreateOrder(ctx, sampleOrder("o1"))

	_, ok := store.SetOrderStatus(ctx, "o1", models.StatusCancelled)
	require.True(t, ok)
	_, ok = store.SetOrderStatus(ctx, "o1", models.StatusUnserved)
	assert.True(t, ok)
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()
	announcer := &recordingAnnouncer{}
	store := NewStore(testLogger(), WithAnnouncer(announcer))
	store.CreateOrder(ctx, sampleOrder("o1"))
	store.CreateOrder(ctx, sampleOrder("o2"))

	store.ClearAll(ctx)
	assert.Equal(t, 0, store.Len())
	assert.NotNil(t, store.List())

	_, ok := store.Get("o1")
	assert.False(t, ok)
	assert.Equal(t, replication.EventOrdersCleared, announcer.types()[2])
}

func TestReplaceAllDoesNotAnnounceOrPersist(t *testing.T) {
	announcer := &recordingAnnouncer{}
	persister := &recordingPersister{}
	store := NewStore(testLogger(), WithAnnouncer(announcer), WithPersister(persister))

	revision := store.Revision()
	store.ReplaceAll([]models.Order{sampleOrder("o1"), sampleOrder("o2")})

	assert.Equal(t, 2, store.Len())
	assert.Greater(t, store.Revision(), revision)
	assert.Empty(t, announcer.types())
	assert.Equal(t, 0, persister.calls)

	_, ok := store.Get("o2")
	assert.True(t, ok)
}

func TestListIsPointInTimeSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testLogger())
	store.CreateOrder(ctx, sampleOrder("o1"))

	snapshot := store.List()
	store.SetOrderStatus(ctx, "o1", models.StatusServed)
	store.CreateOrder(ctx, sampleOrder("o2"))
	snapshot[0].Items[0].Quantity = 99

	assert.Len(t, snapshot, 1)
	assert.Equal(t, models.StatusUnserved, snapshot[0].Status)

	got, _ := store.Get("o1")
	assert.Equal(t, 2, got.Items[0].Quantity)
}

func TestCompareAndReplace(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testLogger())

	_, revision := store.Snapshot()
	store.CreateOrder(ctx, sampleOrder("local"))

	assert.False(t, store.CompareAndReplace(revision, []models.Order{}))
	assert.Equal(t, 1, store.Len())

	_, revision = store.Snapshot()
	assert.True(t, store.CompareAndReplace(revision, []models.Order{sampleOrder("o1")}))
	_, ok := store.Get("o1")
	assert.True(t, ok)
}

func TestLastUpdatedStrictlyIncreases(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	store := NewStore(testLogger(), WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	store.CreateOrder(ctx, sampleOrder("o1"))
	first := store.LastUpdated()
	store.SetOrderStatus(ctx, "o1", models.StatusServed)

	assert.Equal(t, fixed.UnixMilli(), first)
	assert.Equal(t, first+1, store.LastUpdated())
}

func TestPersisterAndAnnouncerFailuresDoNotFailWrites(t *testing.T) {
	announcer := &recordingAnnouncer{err: errors.New("channel down")}
	persister := &recordingPersister{err: errors.New("disk full")}
	store := NewStore(testLogger(), WithAnnouncer(announcer), WithPersister(persister))

	_, duplicate := store.CreateOrder(context.Background(), sampleOrder("o1"))
	assert.False(t, duplicate)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 1, persister.calls)
	require.Len(t, persister.lastOrders, 1)
	assert.Equal(t, store.LastUpdated(), persister.lastUpdated)
}
