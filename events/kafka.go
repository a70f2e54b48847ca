package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/cloudx-io/pennyauction/settlement"
)

// DefaultTopic receives every event type without a topic mapping
const DefaultTopic = "pennyauction.auction-updates"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON keyed by auction id, so every event
// of one auction lands on one partition in publish order.
type KafkaPublisher struct {
	writer       messageWriter
	topicByEvent map[settlement.EventType]string
	defaultTopic string
}

func NewKafkaPublisher(brokers []string, defaultTopic string, topicByEvent map[settlement.EventType]string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	return newKafkaPublisher(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}, defaultTopic, topicByEvent), nil
}

func newKafkaPublisher(w messageWriter, defaultTopic string, topicByEvent map[settlement.EventType]string) *KafkaPublisher {
	if defaultTopic == "" {
		defaultTopic = DefaultTopic
	}
	return &KafkaPublisher{
		writer:       w,
		topicByEvent: topicByEvent,
		defaultTopic: defaultTopic,
	}
}

func (p *KafkaPublisher) topic(t settlement.EventType) string {
	if mapped, ok := p.topicByEvent[t]; ok && mapped != "" {
		return mapped
	}
	return p.defaultTopic
}

func (p *KafkaPublisher) Publish(ctx context.Context, e settlement.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic(e.Type),
		Key:   []byte(e.AuctionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
		Time: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("write %s event to kafka: %w", e.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
