// Package notifications holds the admin notification list and its read state.
package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/tablesync/internal/replication"
	"github.com/jogardn/tablesync/pkg/models"
	"github.com/sirupsen/logrus"
)

type Persister interface {
	PersistNotifications(ctx context.Context, notifications []models.Notification) error
}

type ReadChange struct {
	ID string `json:"id"`
}

// Store keeps notifications most-recent-first. unreadCount is derived from
// the list on every change and never adjusted independently.
type Store struct {
	writeMutex sync.Mutex
	mutex      sync.RWMutex

	notifications []models.Notification
	unreadCount   int
	revision      uint64

	announcer replication.Announcer
	persister Persister
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

func WithSource(source string) Option {
	return func(s *Store) { s.source = source }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(logger *logrus.Logger, opts ...Option) *Store {
	s := &Store{
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) newID() string {
	return fmt.Sprintf("notification-%d-%s", s.now().UnixMilli(), uuid.NewString()[:8])
}

func (s *Store) Add(ctx context.Context, n models.NewNotification) models.Notification {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	notification := models.Notification{
		ID:        s.newID(),
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Timestamp: s.now(),
		Read:      false,
		Data:      n.Data,
	}
	if notification.Type == "" {
		notification.Type = models.NotificationSystem
	}

	s.mutex.Lock()
	next := make([]models.Notification, 0, len(s.notifications)+1)
	next = append(next, notification)
	next = append(next, s.notifications...)
	s.setLocked(next)
	s.mutex.Unlock()

	s.logger.WithFields(logrus.Fields{
		"notification_id": notification.ID,
		"type":            notification.Type,
	}).Info("Notification added")

	s.propagate(ctx, replication.EventNotificationAdded, notification)
	return notification.Clone()
}

// MarkRead reports false, changing nothing, when id is unknown.
func (s *Store) MarkRead(ctx context.Context, id string) bool {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	s.mutex.Lock()
	found := false
	for i := range s.notifications {
		if s.notifications[i].ID == id {
			if s.notifications[i].Read {
				s.mutex.Unlock()
				return true
			}
			s.notifications[i].Read = true
			found = true
			break
		}
	}
	if !found {
		s.mutex.Unlock()
		return false
	}
	s.setLocked(s.notifications)
	s.mutex.Unlock()

	s.propagate(ctx, replication.EventNotificationRead, ReadChange{ID: id})
	return true
}

func (s *Store) MarkAllRead(ctx context.Context) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	s.mutex.Lock()
	for i := range s.notifications {
		s.notifications[i].Read = true
	}
	s.setLocked(s.notifications)
	s.mutex.Unlock()

	s.propagate(ctx, replication.EventNotificationsAllRead, nil)
}

func (s *Store) ClearAll(ctx context.Context) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	s.mutex.Lock()
	s.setLocked([]models.Notification{})
	s.mutex.Unlock()

	s.logger.Info("All notifications cleared")
	s.propagate(ctx, replication.EventNotificationsCleared, nil)
}

// ReplaceAll installs a fetched snapshot without persisting or announcing.
// The supplied unread count is checked against the list; the list wins.
func (s *Store) ReplaceAll(notifications []models.Notification, unreadCount int) {
	next := models.CloneNotifications(notifications)
	if actual := models.CountUnread(next); actual != unreadCount {
		s.logger.WithFields(logrus.Fields{
			"reported_unread": unreadCount,
			"actual_unread":   actual,
		}).Warn("Unread count disagrees with snapshot, recomputing")
	}

	s.mutex.Lock()
	s.setLocked(next)
	s.mutex.Unlock()
}

// Install is ReplaceAll with the unread count derived from the list.
func (s *Store) Install(notifications []models.Notification) {
	s.ReplaceAll(notifications, models.CountUnread(notifications))
}

// Persist writes the current list to the persister, if any, without
// announcing.
func (s *Store) Persist(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	return s.persister.PersistNotifications(ctx, s.List())
}

func (s *Store) Snapshot() ([]models.Notification, uint64) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return models.CloneNotifications(s.notifications), s.revision
}

func (s *Store) CompareAndReplace(revision uint64, notifications []models.Notification) bool {
	next := models.CloneNotifications(notifications)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.revision != revision {
		return false
	}
	s.setLocked(next)
	return true
}

func (s *Store) List() []models.Notification {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return models.CloneNotifications(s.notifications)
}

func (s *Store) UnreadCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.unreadCount
}

func (s *Store) Revision() uint64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.revision
}

func (s *Store) setLocked(next []models.Notification) {
	s.notifications = next
	s.unreadCount = models.CountUnread(next)
	s.revision++
}

func (s *Store) propagate(ctx context.Context, eventType replication.EventType, payload interface{}) {
	if s.persister != nil {
		if err := s.persister.PersistNotifications(ctx, s.List()); err != nil {
			s.logger.WithError(err).WithField("event_type", eventType).Error("Failed to persist notifications")
		}
	}
	replication.Publish(ctx, s.announcer, s.logger, eventType, s.source, payload)
}
