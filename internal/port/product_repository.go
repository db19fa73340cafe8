package port

import (
	"context"
	"errors"

	"github.com/rl1809/warehouse-allocation/internal/core/domain"
)

// ErrOptimisticLock is returned on commit when another unit of work has
// committed a newer version of a product since it was loaded.
var ErrOptimisticLock = errors.New("optimistic lock conflict")

type ProductRepository interface {
	// Get returns the product for sku, or nil if there is none
	Get(ctx context.Context, sku string) (*domain.Product, error)

	// GetByBatchRef returns the product owning the batch, or nil if there is none
	GetByBatchRef(ctx context.Context, ref string) (*domain.Product, error)

	// Add registers a new product to be inserted on commit
	Add(ctx context.Context, product *domain.Product) error

	// List returns every product
	List(ctx context.Context) ([]*domain.Product, error)
}
