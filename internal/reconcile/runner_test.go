package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jogardn/tablesync/internal/orders"
	"github.com/jogardn/tablesync/internal/replication"
	"github.com/jogardn/tablesync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRunner(t *testing.T, runner *Runner) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestPollingObservesChangeWithoutSignal(t *testing.T) {
	ctx := context.Background()
	authority := orders.NewStore(testLogger())
	replica := orders.NewStore(testLogger())
	authority.CreateOrder(ctx, order("o1", ""))

	engine := newOrderEngine(listFetcher(authority), replica)
	runner := NewRunner(engine, nil, RunnerConfig{Interval: 20 * time.Millisecond}, testLogger())
	startRunner(t, runner)

	require.Eventually(t, func() bool { return replica.Len() == 1 }, time.Second, 5*time.Millisecond)

	_, ok := authority.SetOrderStatus(ctx, "o1", models.StatusServed)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		got, ok := replica.Get("o1")
		return ok && got.Status == models.StatusServed
	}, time.Second, 5*time.Millisecond)
}

func TestSignalTriggersPassBeforeTimer(t *testing.T) {
	ctx := context.Background()
	bus := replication.NewBus(16, testLogger())
	authority := orders.NewStore(testLogger(), orders.WithAnnouncer(bus))
	replica := orders.NewStore(testLogger())

	subCtx, cancelSub := context.WithCancel(ctx)
	defer cancelSub()
	feed, err := bus.Subscribe(subCtx)
	require.NoError(t, err)

	var mutex sync.Mutex
	var hints []replication.Announcement
	engine := newOrderEngine(listFetcher(authority), replica)
	runner := NewRunner(engine, feed, RunnerConfig{
		Interval:       time.Hour,
		DebounceWindow: 10 * time.Millisecond,
		OnUpdate: func(result Result, hint *replication.Announcement) {
			if hint == nil {
				return
			}
			mutex.Lock()
			hints = append(hints, *hint)
			mutex.Unlock()
		},
	}, testLogger())
	startRunner(t, runner)
	require.Equal(t, "unchanged", runner.Refresh(ctx).Outcome)

	authority.CreateOrder(ctx, order("o1", ""))

	require.Eventually(t, func() bool { return replica.Len() == 1 }, time.Second, 5*time.Millisecond)

	mutex.Lock()
	defer mutex.Unlock()
	require.NotEmpty(t, hints)
	assert.Equal(t, replication.EventOrderAdded, hints[0].Type)
}

func TestSignalBurstIsDebounced(t *testing.T) {
	ctx := context.Background()
	authority := orders.NewStore(testLogger())
	replica := orders.NewStore(testLogger())

	var mutex sync.Mutex
	fetches := 0
	fetcher := FetchFunc[models.Order](func(ctx context.Context) ([]models.Order, error) {
		mutex.Lock()
		fetches++
		mutex.Unlock()
		return authority.List(), nil
	})

	signals := make(chan replication.Announcement, 16)
	engine := newOrderEngine(fetcher, replica)
	runner := NewRunner(engine, signals, RunnerConfig{
		Interval:       time.Hour,
		DebounceWindow: 50 * time.Millisecond,
	}, testLogger())
	startRunner(t, runner)

	// startup pass
	require.Eventually(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return fetches == 1
	}, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		authority.CreateOrder(ctx, order(string(rune('a'+i)), ""))
		signals <- replication.NewAnnouncement(replication.EventOrderAdded, "test", nil)
	}

	require.Eventually(t, func() bool { return replica.Len() == 5 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, 2, fetches)
}

func TestRefreshFeedback(t *testing.T) {
	ctx := context.Background()
	authority := orders.NewStore(testLogger())
	replica := orders.NewStore(testLogger())

	var mutex sync.Mutex
	var failWith error
	fetcher := FetchFunc[models.Order](func(ctx context.Context) ([]models.Order, error) {
		mutex.Lock()
		defer mutex.Unlock()
		if failWith != nil {
			return nil, failWith
		}
		return authority.List(), nil
	})

	engine := newOrderEngine(fetcher, replica)
	runner := NewRunner(engine, nil, RunnerConfig{Interval: time.Hour}, testLogger())
	startRunner(t, runner)

	feedback := runner.Refresh(ctx)
	assert.Equal(t, "unchanged", feedback.Outcome)
	assert.Equal(t, "Up to date", feedback.Title)

	authority.CreateOrder(ctx, order("o1", ""))
	feedback = runner.Refresh(ctx)
	assert.Equal(t, "updated", feedback.Outcome)
	assert.Equal(t, "Refreshed", feedback.Title)

	mutex.Lock()
	failWith = errors.New("intake unavailable")
	mutex.Unlock()

	feedback = runner.Refresh(ctx)
	assert.Equal(t, "failed", feedback.Outcome)
	assert.Equal(t, "Refresh failed", feedback.Title)
	assert.Contains(t, feedback.Message, "intake unavailable")
	assert.Equal(t, 1, replica.Len())
}

func TestRefreshWithoutRunningLoop(t *testing.T) {
	replica := orders.NewStore(testLogger())
	engine := newOrderEngine(listFetcher(orders.NewStore(testLogger())), replica)
	runner := NewRunner(engine, nil, RunnerConfig{}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	feedback := runner.Refresh(ctx)
	assert.Equal(t, "failed", feedback.Outcome)
}

func TestFocusForcesPass(t *testing.T) {
	ctx := context.Background()
	authority := orders.NewStore(testLogger())
	replica := orders.NewStore(testLogger())

	engine := newOrderEngine(listFetcher(authority), replica)
	runner := NewRunner(engine, nil, RunnerConfig{Interval: time.Hour}, testLogger())
	startRunner(t, runner)

	// wait for the startup pass to finish
	assert.Equal(t, "unchanged", runner.Refresh(ctx).Outcome)

	authority.CreateOrder(ctx, order("o1", ""))
	runner.Focus()
	runner.Focus()

	assert.Eventually(t, func() bool { return replica.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestReplicasConverge(t *testing.T) {
	ctx := context.Background()
	bus := replication.NewBus(64, testLogger())
	authority := orders.NewStore(testLogger(), orders.WithAnnouncer(bus), orders.WithSource("admin"))

	replicas := []*orders.Store{orders.NewStore(testLogger()), orders.NewStore(testLogger())}
	for _, replica := range replicas {
		subCtx, cancelSub := context.WithCancel(ctx)
		t.Cleanup(cancelSub)
		feed, err := bus.Subscribe(subCtx)
		require.NoError(t, err)
		routed := replication.Route(subCtx, feed, replication.CollectionOrders)

		engine := newOrderEngine(listFetcher(authority), replica)
		startRunner(t, NewRunner(engine, routed[replication.CollectionOrders], RunnerConfig{
			Interval:       200 * time.Millisecond,
			DebounceWindow: 10 * time.Millisecond,
		}, testLogger()))
	}

	converged := func() bool {
		want := authority.List()
		for _, replica := range replicas {
			if OrderDiffer.Compare(replica.List(), want).Changed {
				return false
			}
		}
		return true
	}

	authority.CreateOrder(ctx, order("o1", ""))
	authority.CreateOrder(ctx, order("o2", ""))
	require.Eventually(t, func() bool { return converged() && replicas[0].Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	authority.SetOrderStatus(ctx, "o1", models.StatusServed)
	require.Eventually(t, func() bool {
		got, ok := replicas[1].Get("o1")
		return ok && got.Status == models.StatusServed && converged()
	}, 2*time.Second, 5*time.Millisecond)

	// re-creating an existing id must not leave the replicas behind
	resent := order("o2", "")
	resent.TableNumber = "5"
	resent.Items = []models.OrderItem{{ID: "gin", Name: "Gin Tonic", Quantity: 3, PriceValue: 600}}
	resent.TotalAmount = 1800
	authority.CreateOrder(ctx, resent)
	require.Eventually(t, converged, 2*time.Second, 5*time.Millisecond)
	for _, replica := range replicas {
		assert.Equal(t, authority.List(), replica.List())
	}

	authority.ClearAll(ctx)
	assert.Eventually(t, func() bool {
		return replicas[0].Len() == 0 && replicas[1].Len() == 0
	}, 2*time.Second, 5*time.Millisecond)
}
