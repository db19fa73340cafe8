package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/rl1809/warehouse-allocation/internal/adapter/storage"
	"github.com/rl1809/warehouse-allocation/internal/core/service"
)

// Mock CacheRepository
type mockCacheRepo struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *mockCacheRepo) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *mockCacheRepo) ReleaseIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type observedRequest struct {
	handler string
	status  int
}

type mockRecorder struct {
	mu   sync.Mutex
	seen []observedRequest
}

func (m *mockRecorder) ObserveRequest(handler string, status int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, observedRequest{handler, status})
}

func newTestService(t *testing.T) *service.AllocationService {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := zaptest.NewLogger(t)
	reg, err := service.NewDefaultRegistry(service.NewHandlers(nil, nil, logger, service.HandlerConfig{}))
	require.NoError(t, err)
	bus := service.NewBus(reg, store.NewUnitOfWork, logger)
	return service.NewAllocationService(bus, store.NewUnitOfWork, &mockCacheRepo{keys: make(map[string]bool)}, zap.NewNop(), 3)
}
