package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rl1809/warehouse-allocation/internal/core/domain"
	"github.com/rl1809/warehouse-allocation/internal/core/service"
)

var ErrInvalidPayload = errors.New("invalid payload")

type changeBatchQuantityPayload struct {
	Ref      string `json:"ref"`
	BatchRef string `json:"batchref"`
	Qty      *int   `json:"qty"`
}

// RedisConsumer turns messages on a pub/sub channel into
// ChangeBatchQuantity commands.
type RedisConsumer struct {
	client  *redis.Client
	channel string
	svc     *service.AllocationService
	logger  *zap.Logger
}

func NewRedisConsumer(client *redis.Client, channel string, svc *service.AllocationService, logger *zap.Logger) *RedisConsumer {
	return &RedisConsumer{client: client, channel: channel, svc: svc, logger: logger}
}

// Run consumes until ctx is cancelled. A failing message is logged and
// skipped.
func (c *RedisConsumer) Run(ctx context.Context) error {
	sub := c.client.Subscribe(ctx, c.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.channel, err)
	}
	c.logger.Info("consuming", zap.String("channel", c.channel))

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := c.HandleMessage(ctx, msg.Payload); err != nil {
				c.logger.Error("change batch quantity failed",
					zap.String("channel", c.channel),
					zap.String("payload", msg.Payload),
					zap.Error(err),
				)
			}
		}
	}
}

// HandleMessage accepts {"ref": ..., "qty": ...}; "batchref" is accepted
// in place of "ref".
func (c *RedisConsumer) HandleMessage(ctx context.Context, payload string) error {
	var p changeBatchQuantityPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	ref := p.Ref
	if ref == "" {
		ref = p.BatchRef
	}
	if ref == "" || p.Qty == nil {
		return fmt.Errorf("%w: ref and qty are required", ErrInvalidPayload)
	}

	c.logger.Debug("change batch quantity", zap.String("ref", ref), zap.Int("qty", *p.Qty))
	return c.svc.ChangeBatchQuantity(ctx, domain.ChangeBatchQuantity{Ref: ref, Qty: *p.Qty})
}
