package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rl1809/warehouse-allocation/internal/core/domain"
)

const (
	headerChannel     = "channel"
	headerMessageType = "message_type"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a single topic. The logical channel and
// the event type travel as headers, the sku is the partition key.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher builds a publisher for a comma separated broker list.
func NewKafkaPublisher(brokersCSV, topic string) *KafkaPublisher {
	var brokers []string
	for _, b := range strings.Split(brokersCSV, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, channel string, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event.MessageType(), err)
	}
	msg := kafka.Message{
		Key:   []byte(partitionKey(event)),
		Value: data,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: headerChannel, Value: []byte(channel)},
			{Key: headerMessageType, Value: []byte(event.MessageType())},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s to kafka: %w", event.MessageType(), err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func partitionKey(event domain.Event) string {
	switch e := event.(type) {
	case domain.Allocated:
		return e.SKU
	case domain.Deallocated:
		return e.SKU
	case domain.OutOfStock:
		return e.SKU
	default:
		return string(event.MessageType())
	}
}
