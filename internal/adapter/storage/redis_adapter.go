package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/warehouse-allocation/internal/core/domain"
)

const (
	idempotencyKeyPrefix     = "idempotency:"
	DefaultIdempotencyKeyTTL = 24 * time.Hour
)

// RedisAdapter publishes events on Redis pub/sub channels and keeps
// idempotency keys for the HTTP entrypoint.
type RedisAdapter struct {
	client         *redis.Client
	idempotencyTTL time.Duration
}

func NewRedisAdapter(client *redis.Client, idempotencyTTL time.Duration) *RedisAdapter {
	if idempotencyTTL <= 0 {
		idempotencyTTL = DefaultIdempotencyKeyTTL
	}
	return &RedisAdapter{client: client, idempotencyTTL: idempotencyTTL}
}

// Publish sends the event as a JSON object to channel.
func (r *RedisAdapter) Publish(ctx context.Context, channel string, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event.MessageType(), err)
	}
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.MessageType(), channel, err)
	}
	return nil
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, r.idempotencyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}
