package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const (
	publishTimeout = 5 * time.Second
	exchangeKind   = "direct"
)

var ErrNotConfirmed = errors.New("notification not confirmed by broker")

type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Notification is the body published for every notification.
type Notification struct {
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	SentAt    time.Time `json:"sent_at"`
}

// AMQPNotifier publishes notifications to a durable exchange with publisher
// confirms enabled; the recipient is the routing key. Sends are
// serialised because an amqp channel is not safe for concurrent publishers.
type AMQPNotifier struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  amqpChannel
	confirms chan amqp.Confirmation
	exchange string
	logger   *zap.Logger
}

func NewAMQPNotifier(url, exchange string, logger *zap.Logger) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, exchangeKind, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	n := newAMQPNotifier(ch, confirms, exchange, logger)
	n.conn = conn
	return n, nil
}

func newAMQPNotifier(ch amqpChannel, confirms chan amqp.Confirmation, exchange string, logger *zap.Logger) *AMQPNotifier {
	return &AMQPNotifier{
		channel:  ch,
		confirms: confirms,
		exchange: exchange,
		logger:   logger,
	}
}

func (n *AMQPNotifier) Send(ctx context.Context, recipient, subject string) error {
	body, err := json.Marshal(Notification{Recipient: recipient, Subject: subject, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	err = n.channel.Publish(n.exchange, recipient, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case confirm := <-n.confirms:
		if !confirm.Ack {
			return fmt.Errorf("delivery tag %d: %w", confirm.DeliveryTag, ErrNotConfirmed)
		}
		n.logger.Debug("notification confirmed", zap.String("recipient", recipient), zap.Uint64("tag", confirm.DeliveryTag))
		return nil
	case <-timer.C:
		return fmt.Errorf("confirm timeout: %w", ErrNotConfirmed)
	}
}

func (n *AMQPNotifier) Close() error {
	err := n.channel.Close()
	if n.conn != nil {
		if cerr := n.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
