// Package events carries change announcements over Kafka for consumers that
// are not browser tabs, such as the export worker.
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

const DefaultSyncTopic = "tablesync.sync"

// Producer is an Announcer writing each announcement to the sync topic,
// keyed by collection so a collection's announcements stay ordered.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *logrus.Logger
}

func NewProducer(brokers, topic string, logger *logrus.Logger) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0

	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewProducerWith(producer, topic, logger), nil
}

func NewProducerWith(producer sarama.SyncProducer, topic string, logger *logrus.Logger) *Producer {
	if topic == "" {
		topic = DefaultSyncTopic
	}
	return &Producer{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

func (p *Producer) Announce(ctx context.Context, a replication.Announcement) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal announcement: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(a.Collection),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(a.Type)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send announcement to kafka: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"topic":      p.topic,
		"partition":  partition,
		"offset":     offset,
		"event_type": a.Type,
	}).Debug("Announcement published to Kafka")
	return nil
}

func (p *Producer) Close() error {
	return p.producer.Close()
}
