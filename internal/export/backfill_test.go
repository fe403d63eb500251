package export

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/jogardn/tablesync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listerFunc func(ctx context.Context) ([]models.Order, error)

func (f listerFunc) FetchOrders(ctx context.Context) ([]models.Order, error) { return f(ctx) }

type recordingPersister struct {
	mutex  sync.Mutex
	ids    []string
	reject map[string]bool
}

func (p *recordingPersister) PersistExternally(ctx context.Context, order models.Order) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.reject[order.ID] {
		return false
	}
	p.ids = append(p.ids, order.ID)
	return true
}

func ordersWithStatus(statuses ...models.OrderStatus) []models.Order {
	list := make([]models.Order, len(statuses))
	for i, s := range statuses {
		list[i] = models.Order{ID: string(rune('a' + i)), Status: s}
	}
	return list
}

func TestBackfillExportsEverything(t *testing.T) {
	source := ordersWithStatus(models.StatusUnserved, models.StatusServed, models.StatusCancelled,
		models.StatusServed, models.StatusUnserved)
	target := &recordingPersister{reject: map[string]bool{"c": true}}

	b := NewBackfill(listerFunc(func(ctx context.Context) ([]models.Order, error) { return source, nil }),
		target, BackfillConfig{BatchSize: 2, Concurrency: 2}, testLogger())
	result, err := b.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, result.TotalOrders)
	assert.Equal(t, 4, result.Exported)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []string{"c"}, result.FailedOrderIDs)

	sort.Strings(target.ids)
	assert.Equal(t, []string{"a", "b", "d", "e"}, target.ids)
}

func TestBackfillFiltersByStatus(t *testing.T) {
	source := ordersWithStatus(models.StatusUnserved, models.StatusServed, models.StatusServed)
	target := &recordingPersister{}

	cfg := DefaultBackfillConfig()
	cfg.DelayBetween = 0
	cfg.Statuses = []models.OrderStatus{models.StatusServed}
	b := NewBackfill(listerFunc(func(ctx context.Context) ([]models.Order, error) { return source, nil }),
		target, cfg, testLogger())
	result, err := b.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.TotalOrders)
	assert.Equal(t, []string{"b", "c"}, target.ids)
}

func TestBackfillDryRun(t *testing.T) {
	target := &recordingPersister{}
	b := NewBackfill(listerFunc(func(ctx context.Context) ([]models.Order, error) {
		return ordersWithStatus(models.StatusUnserved, models.StatusServed), nil
	}), target, BackfillConfig{DryRun: true}, testLogger())

	result, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, 2, result.TotalOrders)
	assert.Zero(t, result.Exported)
	assert.Empty(t, target.ids)
}

func TestBackfillSourceError(t *testing.T) {
	b := NewBackfill(listerFunc(func(ctx context.Context) ([]models.Order, error) {
		return nil, errors.New("intake down")
	}), &recordingPersister{}, BackfillConfig{}, testLogger())

	_, err := b.Run(context.Background())
	assert.ErrorContains(t, err, "intake down")
}
