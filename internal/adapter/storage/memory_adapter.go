package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/rl1809/warehouse-allocation/internal/core/domain"
	"github.com/rl1809/warehouse-allocation/internal/core/uow"
	"github.com/rl1809/warehouse-allocation/internal/port"
)

type viewKey struct {
	orderID string
	sku     string
}

// MemoryStore keeps committed products and the allocations view in
// process memory. Units of work operate on private copies, so a product is
// never shared between two of them.
type MemoryStore struct {
	mu       sync.Mutex
	products map[string]*domain.Product
	order    []string
	views    map[viewKey]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[string]*domain.Product),
		views:    make(map[viewKey]string),
	}
}

// NewUnitOfWork satisfies port.UnitOfWorkFactory.
func (s *MemoryStore) NewUnitOfWork() port.UnitOfWork {
	return &MemoryUnitOfWork{store: s}
}

// Snapshot returns a copy of the committed product, or nil.
func (s *MemoryStore) Snapshot(sku string) *domain.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[sku]
	if !ok {
		return nil
	}
	return p.Clone()
}

func (s *MemoryStore) skuForBatch(ref string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sku, p := range s.products {
		if _, err := p.GetBatch(ref); err == nil {
			return sku
		}
	}
	return ""
}

type MemoryUnitOfWork struct {
	store   *MemoryStore
	scope   uow.Scope
	session *memorySession
	views   *memoryViews
}

func (u *MemoryUnitOfWork) Begin(ctx context.Context) error {
	session := &memorySession{
		store:    u.store,
		loaded:   make(map[string]*domain.Product),
		original: make(map[string]*domain.Product),
		added:    make(map[string]bool),
	}
	if err := u.scope.Open(session); err != nil {
		return err
	}
	u.session = session
	u.views = &memoryViews{store: u.store, scope: &u.scope}
	return nil
}

func (u *MemoryUnitOfWork) Products() port.ProductRepository {
	return u.scope.Products()
}

func (u *MemoryUnitOfWork) Allocations() port.AllocationsView {
	return u.views
}

func (u *MemoryUnitOfWork) Commit(ctx context.Context) error {
	if err := u.scope.RequireActive(); err != nil {
		return err
	}

	s := u.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for sku, p := range u.session.loaded {
		stored, exists := s.products[sku]
		if u.session.added[sku] {
			if exists {
				u.scope.MarkRolledBack()
				return fmt.Errorf("product %s already exists: %w", sku, port.ErrOptimisticLock)
			}
			continue
		}
		if !exists || stored.VersionNumber != u.session.original[sku].VersionNumber {
			u.scope.MarkRolledBack()
			return fmt.Errorf("product %s version %d: %w", sku, p.VersionNumber, port.ErrOptimisticLock)
		}
	}

	for sku, p := range u.session.loaded {
		if u.session.added[sku] {
			s.order = append(s.order, sku)
			s.products[sku] = p.Clone()
			continue
		}
		orig := u.session.original[sku]
		if !changed(p, orig) {
			continue
		}
		stored := p.Clone()
		stored.VersionNumber = nextVersion(p, orig.VersionNumber)
		s.products[sku] = stored
	}
	for _, op := range u.views.staged {
		op.apply(s.views)
	}

	u.scope.MarkCommitted()
	return nil
}

func (u *MemoryUnitOfWork) Rollback(ctx context.Context) error {
	if u.scope.MarkRolledBack() {
		u.views.staged = nil
	}
	return nil
}

func (u *MemoryUnitOfWork) CollectNewMessages() []domain.Message {
	return u.scope.Collect()
}

// memorySession is the repository of one unit of work. It doubles as an
// identity map: the same sku always yields the same instance.
type memorySession struct {
	store    *MemoryStore
	loaded   map[string]*domain.Product
	original map[string]*domain.Product
	added    map[string]bool
}

func (r *memorySession) Get(ctx context.Context, sku string) (*domain.Product, error) {
	if p, ok := r.loaded[sku]; ok {
		return p, nil
	}
	p := r.store.Snapshot(sku)
	if p == nil {
		return nil, nil
	}
	r.loaded[sku] = p
	r.original[sku] = p.Clone()
	return p, nil
}

func (r *memorySession) GetByBatchRef(ctx context.Context, ref string) (*domain.Product, error) {
	for _, p := range r.loaded {
		if _, err := p.GetBatch(ref); err == nil {
			return p, nil
		}
	}
	sku := r.store.skuForBatch(ref)
	if sku == "" {
		return nil, nil
	}
	return r.Get(ctx, sku)
}

func (r *memorySession) Add(ctx context.Context, product *domain.Product) error {
	if _, ok := r.loaded[product.SKU]; ok {
		return fmt.Errorf("product %s already in unit of work", product.SKU)
	}
	r.loaded[product.SKU] = product
	r.added[product.SKU] = true
	return nil
}

// List returns every product sorted by sku. Products already in the unit
// of work are returned as the same instances Get gives; the rest are
// read-only copies that Commit does not write.
func (r *memorySession) List(ctx context.Context) ([]*domain.Product, error) {
	r.store.mu.Lock()
	skus := make([]string, 0, len(r.store.order))
	skus = append(skus, r.store.order...)
	r.store.mu.Unlock()

	for sku := range r.added {
		if !slices.Contains(skus, sku) {
			skus = append(skus, sku)
		}
	}
	sort.Strings(skus)

	out := make([]*domain.Product, 0, len(skus))
	for _, sku := range skus {
		if p, ok := r.loaded[sku]; ok {
			out = append(out, p)
		} else if p := r.store.Snapshot(sku); p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

type viewOp struct {
	key      viewKey
	batchRef string
	remove   bool
}

func (op viewOp) apply(views map[viewKey]string) {
	if op.remove {
		delete(views, op.key)
		return
	}
	views[op.key] = op.batchRef
}

// memoryViews stages read-model writes until the unit of work commits.
type memoryViews struct {
	store  *MemoryStore
	scope  *uow.Scope
	staged []viewOp
}

func (v *memoryViews) Add(ctx context.Context, orderID, sku, batchRef string) error {
	if err := v.scope.RequireActive(); err != nil {
		return err
	}
	v.staged = append(v.staged, viewOp{key: viewKey{orderID, sku}, batchRef: batchRef})
	return nil
}

func (v *memoryViews) Remove(ctx context.Context, orderID, sku string) error {
	if err := v.scope.RequireActive(); err != nil {
		return err
	}
	v.staged = append(v.staged, viewOp{key: viewKey{orderID, sku}, remove: true})
	return nil
}

func (v *memoryViews) ForOrder(ctx context.Context, orderID string) ([]port.AllocationRow, error) {
	if err := v.scope.RequireActive(); err != nil {
		return nil, err
	}

	v.store.mu.Lock()
	views := make(map[viewKey]string, len(v.store.views))
	for k, ref := range v.store.views {
		views[k] = ref
	}
	v.store.mu.Unlock()

	for _, op := range v.staged {
		op.apply(views)
	}

	var rows []port.AllocationRow
	for k, ref := range views {
		if k.orderID == orderID {
			rows = append(rows, port.AllocationRow{SKU: k.sku, BatchRef: ref})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].SKU < rows[j].SKU })
	return rows, nil
}
