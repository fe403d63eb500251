package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const DefaultRedisPrefix = "tablesync"

// RedisChannel propagates announcements between processes sharing a Redis
// instance. Each announcement is written to the collection's signal slot and
// published on a channel of the same name.
type RedisChannel struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger
}

func NewRedisChannel(client *redis.Client, prefix string, logger *logrus.Logger) *RedisChannel {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisChannel{client: client, prefix: prefix, logger: logger}
}

func (r *RedisChannel) key(c Collection) string {
	return r.prefix + ":" + c.SignalKey()
}

func (r *RedisChannel) Announce(ctx context.Context, a Announcement) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal announcement: %w", err)
	}

	key := r.key(a.Collection)
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, data, 0)
		p.Publish(ctx, key, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish announcement to redis: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"channel":    key,
		"event_type": a.Type,
	}).Debug("Announcement published to Redis")
	return nil
}

func (r *RedisChannel) Subscribe(ctx context.Context) (<-chan Announcement, error) {
	pubsub := r.client.PSubscribe(ctx, r.prefix+":*-sync-event")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to redis signals: %w", err)
	}

	out := make(chan Announcement, 64)
	messages := pubsub.Channel()

	go func() {
		defer close(out)
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var a Announcement
				if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
					r.logger.WithError(err).WithField("channel", msg.Channel).Warn("Ignoring malformed signal")
					continue
				}
				select {
				case out <- a:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// LastSignal returns the most recent announcement written for a collection.
func (r *RedisChannel) LastSignal(ctx context.Context, c Collection) (Announcement, bool, error) {
	data, err := r.client.Get(ctx, r.key(c)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Announcement{}, false, nil
	}
	if err != nil {
		return Announcement{}, false, err
	}
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return Announcement{}, false, fmt.Errorf("malformed signal for %s: %w", c, err)
	}
	return a, true, nil
}
