package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/jogardn/tablesync/internal/replication"
	"github.com/sirupsen/logrus"
)

// AnnouncementHandler processes one announcement read from the sync topic.
// An error ends the claim with the message unmarked: the session is torn
// down, Start rejoins the group, and consumption resumes from the failed
// message.
type AnnouncementHandler interface {
	HandleAnnouncement(ctx context.Context, a replication.Announcement) error
}

type HandlerFunc func(ctx context.Context, a replication.Announcement) error

func (f HandlerFunc) HandleAnnouncement(ctx context.Context, a replication.Announcement) error {
	return f(ctx, a)
}

type Consumer struct {
	consumerGroup sarama.ConsumerGroup
	handler       AnnouncementHandler
	logger        *logrus.Logger
	topics        []string
}

type consumerGroupHandler struct {
	handler AnnouncementHandler
	logger  *logrus.Logger
}

func NewConsumer(brokers, groupID, topic string, handler AnnouncementHandler, logger *logrus.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Version = sarama.V2_6_0_0

	consumerGroup, err := sarama.NewConsumerGroup(strings.Split(brokers, ","), groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}
	if topic == "" {
		topic = DefaultSyncTopic
	}

	return &Consumer{
		consumerGroup: consumerGroup,
		handler:       handler,
		logger:        logger,
		topics:        []string{topic},
	}, nil
}

// Start consumes until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	handler := &consumerGroupHandler{
		handler: c.handler,
		logger:  c.logger,
	}

	for {
		if err := c.consumerGroup.Consume(ctx, c.topics, handler); err != nil {
			c.logger.WithError(err).Error("Error consuming from Kafka")
			return err
		}
		if ctx.Err() != nil {
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	return c.consumerGroup.Close()
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handleMessage(session.Context(), message); err != nil {
				h.logger.WithError(err).WithFields(logrus.Fields{
					"topic":     message.Topic,
					"partition": message.Partition,
					"offset":    message.Offset,
				}).Error("Failed to handle announcement")
				return fmt.Errorf("announcement at offset %d: %w", message.Offset, err)
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessage returns nil for undecodable messages so a poison message is
// skipped rather than redelivered forever.
func (h *consumerGroupHandler) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	var a replication.Announcement
	if err := json.Unmarshal(message.Value, &a); err != nil {
		h.logger.WithError(err).WithField("offset", message.Offset).Warn("Skipping malformed announcement")
		return nil
	}
	if a.Collection == "" {
		a.Collection = a.Type.Collection()
	}

	h.logger.WithFields(logrus.Fields{
		"event_type": a.Type,
		"key":        string(message.Key),
	}).Debug("Received announcement from Kafka")
	return h.handler.HandleAnnouncement(ctx, a)
}
