package port

import "context"

// AllocationRow is one entry of the allocations read model.
type AllocationRow struct {
	SKU      string `json:"sku" db:"sku"`
	BatchRef string `json:"batchref" db:"batchref"`
}

// AllocationsView is the denormalised read model keyed by (orderid, sku).
type AllocationsView interface {
	// Add records that the order's sku was allocated to batchRef, replacing any previous entry
	Add(ctx context.Context, orderID, sku, batchRef string) error

	// Remove deletes the entry for the order's sku, if any
	Remove(ctx context.Context, orderID, sku string) error

	// ForOrder lists the allocations of an order
	ForOrder(ctx context.Context, orderID string) ([]AllocationRow, error)
}
