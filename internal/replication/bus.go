package replication

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Bus is an in-process Announcer/Subscriber. Fan-out never blocks the
// announcing writer; a subscriber whose buffer is full misses the signal and
// catches up on its next poll.
type Bus struct {
	mutex       sync.RWMutex
	subscribers map[chan Announcement]struct{}
	bufferSize  int
	logger      *logrus.Logger
}

func NewBus(bufferSize int, logger *logrus.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[chan Announcement]struct{}),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

func (b *Bus) Announce(ctx context.Context, a Announcement) error {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- a:
		default:
			b.logger.WithFields(logrus.Fields{
				"event_type": a.Type,
				"collection": a.Collection,
			}).Warn("Subscriber buffer full, dropping announcement")
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context) (<-chan Announcement, error) {
	ch := make(chan Announcement, b.bufferSize)

	b.mutex.Lock()
	b.subscribers[ch] = struct{}{}
	b.mutex.Unlock()

	go func() {
		<-ctx.Done()
		b.mutex.Lock()
		delete(b.subscribers, ch)
		close(ch)
		b.mutex.Unlock()
	}()

	return ch, nil
}

func (b *Bus) SubscriberCount() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.subscribers)
}
