package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type NotificationType string

const (
	NotificationOrder  NotificationType = "order"
	NotificationSystem NotificationType = "system"
)

type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
	Read      bool             `json:"read"`
	Data      json.RawMessage  `json:"data,omitempty"`
}

// NewNotification is the caller-supplied part of a notification; the store
// assigns id, timestamp and read state.
type NewNotification struct {
	Type    NotificationType `json:"type"`
	Title   string           `json:"title"`
	Message string           `json:"message"`
	Data    json.RawMessage  `json:"data,omitempty"`
}

func (n Notification) Clone() Notification {
	c := n
	if n.Data != nil {
		c.Data = append(json.RawMessage(nil), n.Data...)
	}
	return c
}

func CloneNotifications(ns []Notification) []Notification {
	out := make([]Notification, len(ns))
	for i, n := range ns {
		out[i] = n.Clone()
	}
	return out
}

func CountUnread(ns []Notification) int {
	n := 0
	for _, notification := range ns {
		if !notification.Read {
			n++
		}
	}
	return n
}

// OrderNotification builds the admin notification for a freshly placed order.
func OrderNotification(order Order) NewNotification {
	data, _ := json.Marshal(order)
	return NewNotification{
		Type:    NotificationOrder,
		Title:   fmt.Sprintf("New order: table %s", order.TableNumber),
		Message: fmt.Sprintf("%d items ordered, total %s", order.ItemCount(), FormatYen(order.TotalAmount)),
		Data:    data,
	}
}

func FormatYen(amount float64) string {
	return fmt.Sprintf("%.0f yen", amount)
}

type NotificationsResponse struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unreadCount"`
}
