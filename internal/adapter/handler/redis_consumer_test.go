package handler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rl1809/warehouse-allocation/internal/core/domain"
	"github.com/rl1809/warehouse-allocation/internal/core/service"
	"github.com/rl1809/warehouse-allocation/internal/port"
)

func seedBatches(t *testing.T, svc *service.AllocationService) {
	t.Helper()
	ctx := context.Background()
	later := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, svc.AddBatch(ctx, domain.CreateBatch{Ref: "b1", SKU: "RUG", Qty: 20}))
	require.NoError(t, svc.AddBatch(ctx, domain.CreateBatch{Ref: "b2", SKU: "RUG", Qty: 20, ETA: &later}))
	_, err := svc.Allocate(ctx, "", domain.Allocate{OrderID: "o1", SKU: "RUG", Qty: 10})
	require.NoError(t, err)
}

func TestHandleMessage(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"ref key", `{"ref":"b1","qty":5}`},
		{"batchref key", `{"batchref":"b1","qty":5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t)
			seedBatches(t, svc)
			consumer := NewRedisConsumer(nil, "change_batch_quantity", svc, zaptest.NewLogger(t))

			require.NoError(t, consumer.HandleMessage(context.Background(), tt.payload))

			rows, err := svc.Allocations(context.Background(), "o1")
			require.NoError(t, err)
			assert.Equal(t, []port.AllocationRow{{SKU: "RUG", BatchRef: "b2"}}, rows)
		})
	}
}

func TestHandleMessageRejectsBadPayload(t *testing.T) {
	consumer := NewRedisConsumer(nil, "change_batch_quantity", newTestService(t), zaptest.NewLogger(t))

	for _, payload := range []string{`not json`, `{"qty":5}`, `{"ref":"b1"}`} {
		err := consumer.HandleMessage(context.Background(), payload)
		assert.ErrorIs(t, err, ErrInvalidPayload, payload)
	}
}

func TestHandleMessageUnknownBatch(t *testing.T) {
	consumer := NewRedisConsumer(nil, "change_batch_quantity", newTestService(t), zaptest.NewLogger(t))

	err := consumer.HandleMessage(context.Background(), `{"ref":"missing","qty":5}`)

	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}

func TestRunConsumesFromRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.Close()

	svc := newTestService(t)
	seedBatches(t, svc)
	channel := "change_batch_quantity_test"
	consumer := NewRedisConsumer(client, channel, svc, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	// Publish until the subscription is live and the change lands.
	assert.Eventually(t, func() bool {
		client.Publish(context.Background(), channel, `{"ref":"b1","qty":5}`)
		rows, err := svc.Allocations(context.Background(), "o1")
		return err == nil && len(rows) == 1 && rows[0].BatchRef == "b2"
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
