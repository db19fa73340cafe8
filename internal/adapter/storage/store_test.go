package storage

import (
	"context"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/rl1809/warehouse-allocation/internal/core/domain"
	"github.com/rl1809/warehouse-allocation/internal/port"
)

const sqliteDriver = "sqlite"

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sqlx.Open(sqliteDriver, ":memory:")
	require.NoError(t, err)
	// one connection, otherwise every new connection gets its own empty database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(context.Background(), db))
	return NewSQLStore(db)
}

func getMySQLDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/warehouse?parseTime=true"
	}

	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, db))
	for _, table := range []string{"allocations_view", "allocations", "batches", "products"} {
		_, err := db.ExecContext(ctx, "DELETE FROM "+table)
		require.NoError(t, err)
	}
	return db
}

// forEachStore runs fn against every unit of work implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, newUoW port.UnitOfWorkFactory)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore().NewUnitOfWork)
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newSQLiteStore(t).NewUnitOfWork)
	})
	t.Run("mysql", func(t *testing.T) {
		fn(t, NewSQLStore(getMySQLDB(t)).NewUnitOfWork)
	})
}

func seed(t *testing.T, newUoW port.UnitOfWorkFactory, sku string, batches ...*domain.Batch) {
	t.Helper()
	ctx := context.Background()
	u := newUoW()
	require.NoError(t, u.Begin(ctx))
	defer u.Rollback(ctx)
	require.NoError(t, u.Products().Add(ctx, domain.NewProduct(sku, batches, 0)))
	require.NoError(t, u.Commit(ctx))
}

func load(t *testing.T, newUoW port.UnitOfWorkFactory, sku string) *domain.Product {
	t.Helper()
	ctx := context.Background()
	u := newUoW()
	require.NoError(t, u.Begin(ctx))
	defer u.Rollback(ctx)
	p, err := u.Products().Get(ctx, sku)
	require.NoError(t, err)
	return p
}

func allocate(t *testing.T, u port.UnitOfWork, line domain.OrderLine) string {
	t.Helper()
	p, err := u.Products().Get(context.Background(), line.SKU)
	require.NoError(t, err)
	require.NotNil(t, p)
	ref, err := p.Allocate(line)
	require.NoError(t, err)
	return ref
}

func TestStoreRoundTripsProduct(t *testing.T) {
	forEachStore(t, func(t *testing.T, newUoW port.UnitOfWorkFactory) {
		ctx := context.Background()
		eta := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
		seed(t, newUoW, "LAMP",
			domain.NewBatch("in-stock", "LAMP", 100, nil),
			domain.NewBatch("shipment", "LAMP", 50, &eta),
		)

		u := newUoW()
		require.NoError(t, u.Begin(ctx))
		assert.Equal(t, "in-stock", allocate(t, u, domain.OrderLine{OrderID: "o1", SKU: "LAMP", Qty: 10}))
		require.NoError(t, u.Commit(ctx))

		p := load(t, newUoW, "LAMP")
		require.NotNil(t, p)
		assert.Equal(t, 1, p.VersionNumber)

		batches := p.Batches()
		require.Len(t, batches, 2)
		assert.Equal(t, "in-stock", batches[0].Reference)
		assert.Nil(t, batches[0].ETA)
		assert.Equal(t, 90, batches[0].AvailableQuantity())
		assert.Equal(t, []domain.OrderLine{{OrderID: "o1", SKU: "LAMP", Qty: 10}}, batches[0].Allocations())

		assert.Equal(t, "shipment", batches[1].Reference)
		require.NotNil(t, batches[1].ETA)
		assert.True(t, eta.Equal(*batches[1].ETA))
		assert.Equal(t, 50, batches[1].AvailableQuantity())
	})
}

func TestStoreGetMissingReturnsNil(t *testing.T) {
	forEachStore(t, func(t *testing.T, newUoW port.UnitOfWorkFactory) {
		ctx := context.Background()
		u := newUoW()
		require.NoError(t, u.Begin(ctx))
		defer u.Rollback(ctx)

		p, err := u.Products().Get(ctx, "NOPE")
		require.NoError(t, err)
		assert.Nil(t, p)

		p, err = u.Products().GetByBatchRef(ctx, "no-such-batch")
		require.NoError(t, err)
		assert.Nil(t, p)
	})
}

func TestStoreReturnsSameInstanceWithinUnitOfWork(t *testing.T) {
	forEachStore(t, func(t *testing.T, newUoW port.UnitOfWorkFactory) {
		ctx := context.Background()
		seed(t, newUoW, "CHAIR", domain.NewBatch("b1", "CHAIR", 10, nil))

		u := newUoW()
		require.NoError(t, u.Begin(ctx))
		defer u.Rollback(ctx)

		first, err := u.Products().Get(ctx, "CHAIR")
		require.NoError(t, err)
		second, err := u.Products().Get(ctx, "CHAIR")
		require.NoError(t, err)
		byRef, err := u.Products().GetByBatchRef(ctx, "b1")
		require.NoError(t, err)

		assert.Same(t, first, second)
		assert.Same(t, first, byRef)
	})
}

func TestStoreRollbackDiscardsChanges(t *testing.T) {
	forEachStore(t, func(t *testing.T, newUoW port.UnitOfWorkFactory) {
		ctx := context.Background()
		seed(t, newUoW, "TABLE", domain.NewBatch("b1", "TABLE", 10, nil))

		u := newUoW()
		require.NoError(t, u.Begin(ctx))
		allocate(t, u, domain.OrderLine{OrderID: "o1", SKU: "TABLE", Qty: 5})
		require.NoError(t, u.Rollback(ctx))

		assert.Empty(t, u.CollectNewMessages())
		p := load(t, newUoW, "TABLE")
		assert.Equal(t, 0, p.VersionNumber)
		assert.Equal(t, 10, p.Batches()[0].AvailableQuantity())
	})
}

func TestStoreDetectsConcurrentAllocation(t *testing.T) {
	forEachStore(t, func(t *testing.T, newUoW port.UnitOfWorkFactory) {
		ctx := context.Background()
		seed(t, newUoW, "RUG", domain.NewBatch("b1", "RUG", 10, nil))

		first := newUoW()
		second := newUoW()
		require.NoError(t, first.Begin(ctx))
		require.NoError(t, second.Begin(ctx))
		allocate(t, first, domain.OrderLine{OrderID: "o1", SKU: "RUG", Qty: 8})
		allocate(t, second, domain.OrderLine{OrderID: "o2", SKU: "RUG", Qty: 8})

		require.NoError(t, second.Commit(ctx))
		err := first.Commit(ctx)
		assert.ErrorIs(t, err, port.ErrOptimisticLock)
		assert.Empty(t, first.CollectNewMessages())
		require.NoError(t, first.Rollback(ctx))

		p := load(t, newUoW, "RUG")
		assert.Equal(t, 1, p.VersionNumber)
		assert.Equal(t, []domain.OrderLine{{OrderID: "o2", SKU: "RUG", Qty: 8}}, p.Batches()[0].Allocations())
	})
}

func TestStoreChecksVersionWhenOnlyQuantityChanged(t *testing.T) {
	forEachStore(t, func(t *testing.T, newUoW port.UnitOfWorkFactory) {
		ctx := context.Background()
		seed(t, newUoW, "SOFA", domain.NewBatch("b1", "SOFA", 10, nil))

		stale := newUoW()
		require.NoError(t, stale.Begin(ctx))
		p, err := stale.Products().GetByBatchRef(ctx, "b1")
		require.NoError(t, err)

		fresh := newUoW()
		require.NoError(t, fresh.Begin(ctx))
		allocate(t, fresh, domain.OrderLine{OrderID: "o1", SKU: "SOFA", Qty: 4})
		require.NoError(t, fresh.Commit(ctx))

		require.NoError(t, p.ChangeBatchQuantity("b1", 2))
		assert.ErrorIs(t, stale.Commit(ctx), port.ErrOptimisticLock)
	})
}

func TestStoreRejectsStaleAllocationAfterShrink(t *testing.T) {
	forEachStore(t, func(t *testing.T, newUoW port.UnitOfWorkFactory) {
		ctx := context.Background()
		seed(t, newUoW, "SOFA", domain.NewBatch("b1", "SOFA", 50, nil))
		u := newUoW()
		require.NoError(t, u.Begin(ctx))
		allocate(t, u, domain.OrderLine{OrderID: "o1", SKU: "SOFA", Qty: 30})
		require.NoError(t, u.Commit(ctx))

		stale := newUoW()
		require.NoError(t, stale.Begin(ctx))
		_, err := stale.Products().Get(ctx, "SOFA")
		require.NoError(t, err)

		shrink := newUoW()
		require.NoError(t, shrink.Begin(ctx))
		p, err := shrink.Products().GetByBatchRef(ctx, "b1")
		require.NoError(t, err)
		require.NoError(t, p.ChangeBatchQuantity("b1", 10))
		require.NoError(t, shrink.Commit(ctx))

		allocate(t, stale, domain.OrderLine{OrderID: "o2", SKU: "SOFA", Qty: 20})
		assert.ErrorIs(t, stale.Commit(ctx), port.ErrOptimisticLock)

		got := load(t, newUoW, "SOFA")
		assert.Equal(t, 2, got.VersionNumber)
		b := got.Batches()[0]
		assert.Equal(t, 10, b.PurchasedQuantity)
		assert.Empty(t, b.Allocations())
		assert.Equal(t, 10, b.AvailableQuantity())
	})
}

func TestStoreRejectsStaleBatchAdd(t *testing.T) {
	forEachStore(t, func(t *testing.T, newUoW port.UnitOfWorkFactory) {
		ctx := context.Background()
		seed(t, newUoW, "DESK", domain.NewBatch("b1", "DESK", 5, nil))

		first := newUoW()
		second := newUoW()
		require.NoError(t, first.Begin(ctx))
		require.NoError(t, second.Begin(ctx))
		for u, ref := range map[port.UnitOfWork]string{first: "b2", second: "b3"} {
			p, err := u.Products().Get(ctx, "DESK")
			require.NoError(t, err)
			require.NoError(t, p.AddBatch(domain.NewBatch(ref, "DESK", 5, nil)))
		}

		require.NoError(t, first.Commit(ctx))
		assert.ErrorIs(t, second.Commit(ctx), port.ErrOptimisticLock)

		got := load(t, newUoW, "DESK")
		assert.Equal(t, 1, got.VersionNumber)
		var refs []string
		for _, b := range got.Batches() {
			refs = append(refs, b.Reference)
		}
		assert.Equal(t, []string{"b1", "b2"}, refs)
	})
}

func TestStoreKeepsVersionWhenNothingChanged(t *testing.T) {
	forEachStore(t, func(t *testing.T, newUoW port.UnitOfWorkFactory) {
		ctx := context.Background()
		seed(t, newUoW, "RUG", domain.NewBatch("b1", "RUG", 5, nil))

		u := newUoW()
		require.NoError(t, u.Begin(ctx))
		p, err := u.Products().Get(ctx, "RUG")
		require.NoError(t, err)
		assert.Empty(t, p.Deallocate(domain.OrderLine{OrderID: "nope", SKU: "RUG", Qty: 1}))
		require.NoError(t, u.Commit(ctx))

		assert.Equal(t, 0, load(t, newUoW, "RUG").VersionNumber)
	})
}

func TestStoreRejectsProductAddedTwice(t *testing.T) {
	forEachStore(t, func(t *testing.T, newUoW port.UnitOfWorkFactory) {
		ctx := context.Background()
		first := newUoW()
		second := newUoW()
		require.NoError(t, first.Begin(ctx))
		require.NoError(t, second.Begin(ctx))
		require.NoError(t, first.Products().Add(ctx, domain.NewProduct("DESK", nil, 0)))
		require.NoError(t, second.Products().Add(ctx, domain.NewProduct("DESK", nil, 0)))

		require.NoError(t, first.Commit(ctx))
		assert.ErrorIs(t, second.Commit(ctx), port.ErrOptimisticLock)
	})
}

func TestStorePersistsChangedQuantityAndDeallocation(t *testing.T) {
	forEachStore(t, func(t *testing.T, newUoW port.UnitOfWorkFactory) {
		ctx := context.Background()
		seed(t, newUoW, "LAMP", domain.NewBatch("b1", "LAMP", 20, nil))

		u := newUoW()
		require.NoError(t, u.Begin(ctx))
		allocate(t, u, domain.OrderLine{OrderID: "o1", SKU: "LAMP", Qty: 5})
		allocate(t, u, domain.OrderLine{OrderID: "o2", SKU: "LAMP", Qty: 5})
		require.NoError(t, u.Commit(ctx))

		u = newUoW()
		require.NoError(t, u.Begin(ctx))
		p, err := u.Products().GetByBatchRef(ctx, "b1")
		require.NoError(t, err)
		require.NoError(t, p.ChangeBatchQuantity("b1", 7))
		require.NoError(t, u.Commit(ctx))

		got := load(t, newUoW, "LAMP").Batches()[0]
		assert.Equal(t, 7, got.PurchasedQuantity)
		assert.Equal(t, []domain.OrderLine{{OrderID: "o2", SKU: "LAMP", Qty: 5}}, got.Allocations())
	})
}

func TestStoreCollectsMessagesAfterCommit(t *testing.T) {
	forEachStore(t, func(t *testing.T, newUoW port.UnitOfWorkFactory) {
		ctx := context.Background()
		seed(t, newUoW, "LAMP", domain.NewBatch("b1", "LAMP", 20, nil))

		u := newUoW()
		require.NoError(t, u.Begin(ctx))
		allocate(t, u, domain.OrderLine{OrderID: "o1", SKU: "LAMP", Qty: 5})
		assert.Empty(t, u.CollectNewMessages())
		require.NoError(t, u.Commit(ctx))

		assert.Equal(t, []domain.Message{
			domain.Allocated{OrderID: "o1", SKU: "LAMP", Qty: 5, BatchRef: "b1"},
		}, u.CollectNewMessages())
		assert.Empty(t, u.CollectNewMessages())
	})
}

func TestStoreListsProducts(t *testing.T) {
	forEachStore(t, func(t *testing.T, newUoW port.UnitOfWorkFactory) {
		ctx := context.Background()
		seed(t, newUoW, "A-SKU", domain.NewBatch("a1", "A-SKU", 1, nil))
		seed(t, newUoW, "B-SKU", domain.NewBatch("b1", "B-SKU", 1, nil))

		u := newUoW()
		require.NoError(t, u.Begin(ctx))
		defer u.Rollback(ctx)
		products, err := u.Products().List(ctx)
		require.NoError(t, err)

		require.Len(t, products, 2)
		assert.Equal(t, "A-SKU", products[0].SKU)
		assert.Equal(t, "B-SKU", products[1].SKU)
	})
}

func TestStoreListReturnsSessionInstances(t *testing.T) {
	forEachStore(t, func(t *testing.T, newUoW port.UnitOfWorkFactory) {
		ctx := context.Background()
		seed(t, newUoW, "B-SKU", domain.NewBatch("b1", "B-SKU", 1, nil))

		u := newUoW()
		require.NoError(t, u.Begin(ctx))
		defer u.Rollback(ctx)
		loaded, err := u.Products().Get(ctx, "B-SKU")
		require.NoError(t, err)
		added := domain.NewProduct("A-SKU", nil, 0)
		require.NoError(t, u.Products().Add(ctx, added))

		products, err := u.Products().List(ctx)
		require.NoError(t, err)

		require.Len(t, products, 2)
		assert.Same(t, added, products[0])
		assert.Same(t, loaded, products[1])
	})
}

func TestAllocationsView(t *testing.T) {
	forEachStore(t, func(t *testing.T, newUoW port.UnitOfWorkFactory) {
		ctx := context.Background()

		u := newUoW()
		require.NoError(t, u.Begin(ctx))
		require.NoError(t, u.Allocations().Add(ctx, "o1", "LAMP", "b1"))
		require.NoError(t, u.Allocations().Add(ctx, "o1", "CHAIR", "b9"))
		require.NoError(t, u.Allocations().Add(ctx, "o2", "LAMP", "b1"))
		staged, err := u.Allocations().ForOrder(ctx, "o1")
		require.NoError(t, err)
		assert.Len(t, staged, 2)
		require.NoError(t, u.Commit(ctx))

		u = newUoW()
		require.NoError(t, u.Begin(ctx))
		require.NoError(t, u.Allocations().Add(ctx, "o1", "LAMP", "b2"))
		require.NoError(t, u.Allocations().Remove(ctx, "o1", "CHAIR"))
		require.NoError(t, u.Commit(ctx))

		u = newUoW()
		require.NoError(t, u.Begin(ctx))
		require.NoError(t, u.Allocations().Remove(ctx, "o2", "LAMP"))
		require.NoError(t, u.Rollback(ctx))

		u = newUoW()
		require.NoError(t, u.Begin(ctx))
		defer u.Rollback(ctx)
		rows, err := u.Allocations().ForOrder(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, []port.AllocationRow{{SKU: "LAMP", BatchRef: "b2"}}, rows)

		rows, err = u.Allocations().ForOrder(ctx, "o2")
		require.NoError(t, err)
		assert.Equal(t, []port.AllocationRow{{SKU: "LAMP", BatchRef: "b1"}}, rows)

		rows, err = u.Allocations().ForOrder(ctx, "unknown")
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}

func TestUnitOfWorkLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, newUoW port.UnitOfWorkFactory) {
		ctx := context.Background()
		u := newUoW()

		assert.Error(t, u.Commit(ctx))
		require.NoError(t, u.Begin(ctx))
		assert.Error(t, u.Begin(ctx))
		require.NoError(t, u.Commit(ctx))
		assert.NoError(t, u.Rollback(ctx))

		// a finished unit of work can be opened again
		require.NoError(t, u.Begin(ctx))
		assert.NoError(t, u.Rollback(ctx))
	})
}
