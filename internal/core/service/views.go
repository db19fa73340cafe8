package service

import (
	"context"
	"fmt"

	"github.com/rl1809/warehouse-allocation/internal/port"
)

// Allocations answers what has been allocated to an order, from the read
// model rather than the aggregates.
func Allocations(ctx context.Context, uow port.UnitOfWork, orderID string) ([]port.AllocationRow, error) {
	if err := uow.Begin(ctx); err != nil {
		return nil, err
	}
	defer uow.Rollback(ctx)

	rows, err := uow.Allocations().ForOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("query allocations for %s: %w", orderID, err)
	}
	return rows, nil
}
