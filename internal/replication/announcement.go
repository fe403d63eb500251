// Package replication carries "something changed" signals between replicas.
// An announcement is a hint: receivers re-fetch the authoritative snapshot
// and use the payload only for display decisions.
package replication

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
)

type Collection string

const (
	CollectionOrders        Collection = "orders"
	CollectionNotifications Collection = "notifications"
)

// SignalKey is the name of the slot a collection's change signal is written to.
func (c Collection) SignalKey() string {
	switch c {
	case CollectionOrders:
		return "order-sync-event"
	case CollectionNotifications:
		return "notification-sync-event"
	}
	return string(c) + "-sync-event"
}

type EventType string

const (
	EventOrderAdded           EventType = "add-order"
	EventOrderStatusChanged   EventType = "update-status"
	EventOrdersCleared        EventType = "clear-orders"
	EventNotificationAdded    EventType = "add-notification"
	EventNotificationRead     EventType = "mark-as-read"
	EventNotificationsAllRead EventType = "mark-all-as-read"
	EventNotificationsCleared EventType = "clear-notifications"
)

func (t EventType) Collection() Collection {
	switch t {
	case EventOrderAdded, EventOrderStatusChanged, EventOrdersCleared:
		return CollectionOrders
	default:
		return CollectionNotifications
	}
}

type Announcement struct {
	Type       EventType       `json:"type"`
	Collection Collection      `json:"collection"`
	Timestamp  int64           `json:"timestamp"`
	Source     string          `json:"source,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// Coalesced counts how many announcements a debounced delivery stands for.
	Coalesced int `json:"-"`
}

func NewAnnouncement(eventType EventType, source string, payload interface{}) Announcement {
	a := Announcement{
		Type:       eventType,
		Collection: eventType.Collection(),
		Timestamp:  time.Now().UnixMilli(),
		Source:     source,
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			a.Payload = data
		}
	}
	return a
}

// DecodePayload unmarshals the hint payload into v. A missing payload is not
// an error; v is left untouched.
func (a Announcement) DecodePayload(v interface{}) error {
	if len(a.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(a.Payload, v)
}

type Announcer interface {
	Announce(ctx context.Context, a Announcement) error
}

type Subscriber interface {
	// Subscribe returns a feed that is closed when ctx is done.
	Subscribe(ctx context.Context) (<-chan Announcement, error)
}

// Publish builds and sends an announcement. Failures are logged and swallowed:
// propagation is not part of a write's durability.
func Publish(ctx context.Context, announcer Announcer, logger *logrus.Logger, eventType EventType, source string, payload interface{}) {
	if announcer == nil {
		return
	}
	a := NewAnnouncement(eventType, source, payload)
	if err := announcer.Announce(ctx, a); err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"event_type": eventType,
			"collection": a.Collection,
		}).Warn("Failed to announce change")
	}
}

// Route splits one feed into per-collection feeds. Announcements for a
// collection nobody asked for are dropped. A full route buffer drops the
// announcement rather than stalling the other collections.
func Route(ctx context.Context, in <-chan Announcement, collections ...Collection) map[Collection]<-chan Announcement {
	outs := make(map[Collection]chan Announcement, len(collections))
	feeds := make(map[Collection]<-chan Announcement, len(collections))
	for _, c := range collections {
		ch := make(chan Announcement, 16)
		outs[c] = ch
		feeds[c] = ch
	}

	go func() {
		defer func() {
			for _, ch := range outs {
				close(ch)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case a, ok := <-in:
				if !ok {
					return
				}
				ch, wanted := outs[a.Collection]
				if !wanted {
					continue
				}
				select {
				case ch <- a:
				default:
				}
			}
		}
	}()

	return feeds
}
