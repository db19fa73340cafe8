package uow

import (
	"context"

	"github.com/rl1809/warehouse-allocation/internal/core/domain"
	"github.com/rl1809/warehouse-allocation/internal/port"
)

// TrackingRepository wraps a repository and remembers every product it
// hands out or is given, so their queued messages can be collected later.
type TrackingRepository struct {
	inner port.ProductRepository
	seen  []*domain.Product
	index map[string]struct{}
}

func NewTrackingRepository(inner port.ProductRepository) *TrackingRepository {
	return &TrackingRepository{
		inner: inner,
		index: make(map[string]struct{}),
	}
}

func (r *TrackingRepository) Get(ctx context.Context, sku string) (*domain.Product, error) {
	p, err := r.inner.Get(ctx, sku)
	if err != nil {
		return nil, err
	}
	r.track(p)
	return p, nil
}

func (r *TrackingRepository) GetByBatchRef(ctx context.Context, ref string) (*domain.Product, error) {
	p, err := r.inner.GetByBatchRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	r.track(p)
	return p, nil
}

func (r *TrackingRepository) Add(ctx context.Context, product *domain.Product) error {
	if err := r.inner.Add(ctx, product); err != nil {
		return err
	}
	r.track(product)
	return nil
}

// List is not tracked: listing is a read path and never mutates products.
func (r *TrackingRepository) List(ctx context.Context) ([]*domain.Product, error) {
	return r.inner.List(ctx)
}

// Seen returns the tracked products in the order they were first seen.
func (r *TrackingRepository) Seen() []*domain.Product {
	out := make([]*domain.Product, len(r.seen))
	copy(out, r.seen)
	return out
}

func (r *TrackingRepository) track(p *domain.Product) {
	if p == nil {
		return
	}
	if _, ok := r.index[p.SKU]; ok {
		return
	}
	r.index[p.SKU] = struct{}{}
	r.seen = append(r.seen, p)
}
