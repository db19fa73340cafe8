package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/warehouse-allocation/internal/core/domain"
	"github.com/rl1809/warehouse-allocation/internal/port"
)

var (
	ErrDuplicateRequest = errors.New("duplicate request")
	ErrOutOfStock       = errors.New("out of stock")
)

const DefaultConflictRetries = 3

// Dispatcher is what AllocationService needs from the message bus.
type Dispatcher interface {
	Handle(ctx context.Context, msg domain.Message) ([]string, error)
}

// AllocationResult is the outcome of a successful allocation.
type AllocationResult struct {
	OrderID  string `json:"orderid"`
	BatchRef string `json:"batchref"`
}

// AllocationService is the entrypoint facade shared by HTTP, gRPC and the
// Redis consumer. It adds request idempotency and retries of optimistic
// lock conflicts on top of the bus.
type AllocationService struct {
	bus        Dispatcher
	newUoW     port.UnitOfWorkFactory
	cache      port.CacheRepository
	logger     *zap.Logger
	maxRetries int
}

// NewAllocationService wires the facade. cache may be nil, in which case
// idempotency keys are ignored.
func NewAllocationService(bus Dispatcher, newUoW port.UnitOfWorkFactory, cache port.CacheRepository, logger *zap.Logger, maxRetries int) *AllocationService {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &AllocationService{
		bus:        bus,
		newUoW:     newUoW,
		cache:      cache,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

func (s *AllocationService) AddBatch(ctx context.Context, cmd domain.CreateBatch) error {
	_, err := s.dispatchWithRetry(ctx, cmd)
	return err
}

// Allocate allocates the line, generating an order id if none is given.
// A non-empty idempotencyKey may only be used once; it is released again
// when the command fails. An out-of-stock answer keeps it.
func (s *AllocationService) Allocate(ctx context.Context, idempotencyKey string, cmd domain.Allocate) (AllocationResult, error) {
	claimed := ""
	if idempotencyKey != "" && s.cache != nil {
		key := "allocate:" + idempotencyKey
		ok, err := s.cache.SetIdempotency(ctx, key)
		if err != nil {
			return AllocationResult{}, fmt.Errorf("idempotency check failed: %w", err)
		}
		if !ok {
			return AllocationResult{}, ErrDuplicateRequest
		}
		claimed = key
	}

	if cmd.OrderID == "" {
		cmd.OrderID = uuid.NewString()
	}

	results, err := s.dispatchWithRetry(ctx, cmd)
	if err != nil {
		// nothing was allocated, so the same key may be retried
		if claimed != "" {
			if relErr := s.cache.ReleaseIdempotency(context.WithoutCancel(ctx), claimed); relErr != nil {
				s.logger.Warn("release idempotency key", zap.String("key", claimed), zap.Error(relErr))
			}
		}
		return AllocationResult{}, err
	}
	if len(results) == 0 || results[0] == "" {
		return AllocationResult{OrderID: cmd.OrderID}, fmt.Errorf("%w for sku %s", ErrOutOfStock, cmd.SKU)
	}
	return AllocationResult{OrderID: cmd.OrderID, BatchRef: results[0]}, nil
}

// Deallocate returns the batch the line was released from, "" if it was
// not allocated.
func (s *AllocationService) Deallocate(ctx context.Context, cmd domain.Deallocate) (string, error) {
	results, err := s.dispatchWithRetry(ctx, cmd)
	if err != nil || len(results) == 0 {
		return "", err
	}
	return results[0], nil
}

// ChangeBatchQuantity is dispatched once. Its follow-up Allocate commands
// run after the change has committed, so replaying it after a failure
// could not put the deallocated lines back.
func (s *AllocationService) ChangeBatchQuantity(ctx context.Context, cmd domain.ChangeBatchQuantity) error {
	_, err := s.bus.Handle(ctx, cmd)
	return err
}

func (s *AllocationService) Allocations(ctx context.Context, orderID string) ([]port.AllocationRow, error) {
	return Allocations(ctx, s.newUoW(), orderID)
}

// dispatchWithRetry is only used for commands whose follow-ups are events,
// so an error always comes from the command itself and nothing was
// committed.
func (s *AllocationService) dispatchWithRetry(ctx context.Context, cmd domain.Command) ([]string, error) {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		var results []string
		results, err = s.bus.Handle(ctx, cmd)
		if !errors.Is(err, port.ErrOptimisticLock) {
			return results, err
		}
		s.logger.Warn("optimistic lock conflict",
			zap.String("message_type", string(cmd.MessageType())),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, err
}
