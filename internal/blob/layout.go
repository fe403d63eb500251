package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jogardn/tablesync/pkg/models"
)

const (
	OrdersKey        = "order-storage"
	NotificationsKey = "notification-storage"
)

var ErrMalformed = errors.New("malformed snapshot blob")

type ordersBlob struct {
	State struct {
		Orders      []models.Order `json:"orders"`
		LastUpdated int64          `json:"lastUpdated"`
	} `json:"state"`
}

type notificationsBlob struct {
	State struct {
		Notifications []models.Notification `json:"notifications"`
	} `json:"state"`
}

// Layout reads and writes both collections in the persisted snapshot
// format. It satisfies the record stores' Persister interfaces and its
// Fetch methods serve reconciliation passes.
type Layout struct {
	store Store
}

func NewLayout(store Store) *Layout {
	return &Layout{store: store}
}

func (l *Layout) PersistOrders(ctx context.Context, orders []models.Order, lastUpdated int64) error {
	var b ordersBlob
	b.State.Orders = orders
	if b.State.Orders == nil {
		b.State.Orders = []models.Order{}
	}
	b.State.LastUpdated = lastUpdated
	return l.put(ctx, OrdersKey, b)
}

func (l *Layout) PersistNotifications(ctx context.Context, notifications []models.Notification) error {
	var b notificationsBlob
	b.State.Notifications = notifications
	if b.State.Notifications == nil {
		b.State.Notifications = []models.Notification{}
	}
	return l.put(ctx, NotificationsKey, b)
}

// ReadOrders returns ErrNotFound when nothing was persisted yet and
// ErrMalformed when the blob cannot be decoded.
func (l *Layout) ReadOrders(ctx context.Context) ([]models.Order, int64, error) {
	var b ordersBlob
	if err := l.get(ctx, OrdersKey, &b); err != nil {
		return nil, 0, err
	}
	if b.State.Orders == nil {
		return nil, 0, fmt.Errorf("%w: %s has no orders list", ErrMalformed, OrdersKey)
	}
	return b.State.Orders, b.State.LastUpdated, nil
}

func (l *Layout) FetchOrders(ctx context.Context) ([]models.Order, error) {
	orders, _, err := l.ReadOrders(ctx)
	return orders, err
}

func (l *Layout) FetchNotifications(ctx context.Context) ([]models.Notification, error) {
	var b notificationsBlob
	if err := l.get(ctx, NotificationsKey, &b); err != nil {
		return nil, err
	}
	if b.State.Notifications == nil {
		return nil, fmt.Errorf("%w: %s has no notifications list", ErrMalformed, NotificationsKey)
	}
	return b.State.Notifications, nil
}

func (l *Layout) put(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := l.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (l *Layout) get(ctx context.Context, key string, v interface{}) error {
	data, err := l.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return nil
}
