package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/rl1809/warehouse-allocation/internal/adapter/storage"
	"github.com/rl1809/warehouse-allocation/internal/config"
	"github.com/rl1809/warehouse-allocation/internal/core/domain"
	"github.com/rl1809/warehouse-allocation/internal/core/service"
	"github.com/rl1809/warehouse-allocation/internal/port"
)

const (
	batchCount    = 4
	batchQty      = 5
	initialStock  = batchCount * batchQty
	totalRequests = 50
	maxRetries    = 1000
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	newUoW, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}

	registry, err := service.NewDefaultRegistry(service.NewHandlers(nil, nil, zap.NewNop(), service.HandlerConfig{}))
	if err != nil {
		log.Fatalf("failed to build registry: %v", err)
	}
	bus := service.NewBus(registry, newUoW, zap.NewNop())
	svc := service.NewAllocationService(bus, newUoW, nil, zap.NewNop(), maxRetries)

	// Fresh SKU per run so earlier data does not interfere
	sku := fmt.Sprintf("STRESS-%d", time.Now().UnixNano())
	for i := 0; i < batchCount; i++ {
		cmd := domain.CreateBatch{Ref: fmt.Sprintf("%s-b%d", sku, i), SKU: sku, Qty: batchQty}
		if err := svc.AddBatch(ctx, cmd); err != nil {
			log.Fatalf("failed to add batch: %v", err)
		}
	}

	// Counters
	var successCount, outOfStockCount, errorCount atomic.Int32

	// Spawn concurrent requests
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			_, err := svc.Allocate(ctx, "", domain.Allocate{OrderID: fmt.Sprintf("order-%d", n), SKU: sku, Qty: 1})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, service.ErrOutOfStock):
				outOfStockCount.Add(1)
			default:
				log.Printf("order-%d: %v", n, err)
				errorCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := successCount.Load()
	outOfStock := outOfStockCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Storage:          %s\n", cfg.StorageDriver)
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Allocated:        %d\n", success)
	fmt.Printf("Out of stock:     %d\n", outOfStock)
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	// Assertions
	if success == initialStock && outOfStock == totalRequests-initialStock {
		fmt.Printf("PASS: Exactly %d lines allocated, %d out of stock\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d allocated/%d out of stock, got %d/%d\n",
			initialStock, totalRequests-initialStock, success, outOfStock)
	}

	// Verify persisted batches
	product, err := loadProduct(ctx, newUoW, sku)
	if err != nil {
		log.Fatalf("failed to load product: %v", err)
	}
	allocated := 0
	overAllocated := false
	for _, b := range product.Batches() {
		allocated += b.AllocatedQuantity()
		if b.AllocatedQuantity() > b.PurchasedQuantity {
			overAllocated = true
			fmt.Printf("FAIL: Batch %s allocated %d of %d\n", b.Reference, b.AllocatedQuantity(), b.PurchasedQuantity)
		}
	}
	fmt.Printf("Stored Allocations: %d (version %d)\n", allocated, product.VersionNumber)

	if !overAllocated && allocated == initialStock {
		fmt.Println("PASS: Every batch is full and none is over-allocated")
	} else {
		fmt.Printf("FAIL: Expected %d stored allocations, got %d\n", initialStock, allocated)
	}
}

func openStore(ctx context.Context, cfg config.Config) (port.UnitOfWorkFactory, error) {
	if cfg.StorageDriver == config.DriverMemory {
		return storage.NewMemoryStore().NewUnitOfWork, nil
	}
	db, err := sqlx.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MySQLMaxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := storage.Migrate(ctx, db); err != nil {
		return nil, err
	}
	return storage.NewSQLStore(db).NewUnitOfWork, nil
}

func loadProduct(ctx context.Context, newUoW port.UnitOfWorkFactory, sku string) (*domain.Product, error) {
	uow := newUoW()
	if err := uow.Begin(ctx); err != nil {
		return nil, err
	}
	defer uow.Rollback(ctx)

	product, err := uow.Products().Get(ctx, sku)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, fmt.Errorf("product %s not found", sku)
	}
	return product, nil
}
