package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rl1809/warehouse-allocation/internal/core/domain"
	"github.com/rl1809/warehouse-allocation/internal/port"
)

const (
	DefaultAllocatedChannel = "line_allocated"
	DefaultNotifyRecipient  = "stock-admin@made.com"
)

type HandlerConfig struct {
	// AllocatedChannel is where Allocated events are published.
	AllocatedChannel string
	// NotifyRecipient receives out-of-stock notifications.
	NotifyRecipient string
}

// Handlers holds the collaborators the message handlers need. A nil
// publisher disables publishing of Allocated events.
type Handlers struct {
	publisher port.EventPublisher
	notifier  port.Notifier
	logger    *zap.Logger
	cfg       HandlerConfig
}

func NewHandlers(publisher port.EventPublisher, notifier port.Notifier, logger *zap.Logger, cfg HandlerConfig) *Handlers {
	if cfg.AllocatedChannel == "" {
		cfg.AllocatedChannel = DefaultAllocatedChannel
	}
	if cfg.NotifyRecipient == "" {
		cfg.NotifyRecipient = DefaultNotifyRecipient
	}
	return &Handlers{
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
		cfg:       cfg,
	}
}

// Register wires every handler into reg.
func (h *Handlers) Register(reg *Registry) {
	RegisterCommand(reg, h.AddBatch)
	RegisterCommand(reg, h.Allocate)
	RegisterCommand(reg, h.Deallocate)
	RegisterCommand(reg, h.ChangeBatchQuantity)

	if h.publisher != nil {
		RegisterEvent(reg, h.PublishAllocatedEvent)
	}
	RegisterEvent(reg, h.AddAllocationToReadModel)
	RegisterEvent(reg, h.RemoveAllocationFromReadModel)
	if h.notifier != nil {
		RegisterEvent(reg, h.SendOutOfStockNotification)
	}
}

// NewDefaultRegistry returns a validated registry holding every handler.
func NewDefaultRegistry(h *Handlers) (*Registry, error) {
	reg := NewRegistry()
	h.Register(reg)
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

func (h *Handlers) AddBatch(ctx context.Context, cmd domain.CreateBatch, uow port.UnitOfWork) (string, error) {
	if cmd.Qty < 0 {
		return "", fmt.Errorf("batch %s qty %d: %w", cmd.Ref, cmd.Qty, ErrInvalidQuantity)
	}

	if err := uow.Begin(ctx); err != nil {
		return "", err
	}
	defer uow.Rollback(ctx)

	product, err := uow.Products().Get(ctx, cmd.SKU)
	if err != nil {
		return "", fmt.Errorf("get product %s: %w", cmd.SKU, err)
	}
	if product == nil {
		product = domain.NewProduct(cmd.SKU, nil, 0)
		if err := uow.Products().Add(ctx, product); err != nil {
			return "", fmt.Errorf("add product %s: %w", cmd.SKU, err)
		}
	}

	if err := product.AddBatch(domain.NewBatch(cmd.Ref, cmd.SKU, cmd.Qty, cmd.ETA)); err != nil {
		return "", err
	}

	if err := uow.Commit(ctx); err != nil {
		return "", err
	}
	return cmd.Ref, nil
}

// Allocate returns the chosen batch reference, or "" when out of stock.
func (h *Handlers) Allocate(ctx context.Context, cmd domain.Allocate, uow port.UnitOfWork) (string, error) {
	if cmd.Qty <= 0 {
		return "", fmt.Errorf("order %s qty %d: %w", cmd.OrderID, cmd.Qty, ErrInvalidQuantity)
	}

	if err := uow.Begin(ctx); err != nil {
		return "", err
	}
	defer uow.Rollback(ctx)

	product, err := uow.Products().Get(ctx, cmd.SKU)
	if err != nil {
		return "", fmt.Errorf("get product %s: %w", cmd.SKU, err)
	}
	if product == nil {
		return "", fmt.Errorf("%w %s", ErrInvalidSKU, cmd.SKU)
	}

	batchRef, err := product.Allocate(cmd.Line())
	if err != nil {
		return "", err
	}

	if err := uow.Commit(ctx); err != nil {
		return "", err
	}
	return batchRef, nil
}

// Deallocate returns the batch the line was removed from, or "" if the line
// was not allocated.
func (h *Handlers) Deallocate(ctx context.Context, cmd domain.Deallocate, uow port.UnitOfWork) (string, error) {
	if cmd.Qty <= 0 {
		return "", fmt.Errorf("order %s qty %d: %w", cmd.OrderID, cmd.Qty, ErrInvalidQuantity)
	}

	if err := uow.Begin(ctx); err != nil {
		return "", err
	}
	defer uow.Rollback(ctx)

	product, err := uow.Products().Get(ctx, cmd.SKU)
	if err != nil {
		return "", fmt.Errorf("get product %s: %w", cmd.SKU, err)
	}
	if product == nil {
		return "", fmt.Errorf("%w %s", ErrInvalidSKU, cmd.SKU)
	}

	batchRef := product.Deallocate(cmd.Line())

	if err := uow.Commit(ctx); err != nil {
		return "", err
	}
	return batchRef, nil
}

func (h *Handlers) ChangeBatchQuantity(ctx context.Context, cmd domain.ChangeBatchQuantity, uow port.UnitOfWork) (string, error) {
	if cmd.Qty < 0 {
		return "", fmt.Errorf("batch %s qty %d: %w", cmd.Ref, cmd.Qty, ErrInvalidQuantity)
	}

	if err := uow.Begin(ctx); err != nil {
		return "", err
	}
	defer uow.Rollback(ctx)

	product, err := uow.Products().GetByBatchRef(ctx, cmd.Ref)
	if err != nil {
		return "", fmt.Errorf("get product for batch %s: %w", cmd.Ref, err)
	}
	if product == nil {
		return "", fmt.Errorf("%s: %w", cmd.Ref, domain.ErrBatchNotFound)
	}

	if err := product.ChangeBatchQuantity(cmd.Ref, cmd.Qty); err != nil {
		return "", err
	}

	if err := uow.Commit(ctx); err != nil {
		return "", err
	}
	return "", nil
}

func (h *Handlers) PublishAllocatedEvent(ctx context.Context, evt domain.Allocated, _ port.UnitOfWork) error {
	return h.publisher.Publish(ctx, h.cfg.AllocatedChannel, evt)
}

func (h *Handlers) AddAllocationToReadModel(ctx context.Context, evt domain.Allocated, uow port.UnitOfWork) error {
	if err := uow.Begin(ctx); err != nil {
		return err
	}
	defer uow.Rollback(ctx)

	if err := uow.Allocations().Add(ctx, evt.OrderID, evt.SKU, evt.BatchRef); err != nil {
		return fmt.Errorf("add allocation view: %w", err)
	}
	return uow.Commit(ctx)
}

func (h *Handlers) RemoveAllocationFromReadModel(ctx context.Context, evt domain.Deallocated, uow port.UnitOfWork) error {
	if err := uow.Begin(ctx); err != nil {
		return err
	}
	defer uow.Rollback(ctx)

	if err := uow.Allocations().Remove(ctx, evt.OrderID, evt.SKU); err != nil {
		return fmt.Errorf("remove allocation view: %w", err)
	}
	return uow.Commit(ctx)
}

func (h *Handlers) SendOutOfStockNotification(ctx context.Context, evt domain.OutOfStock, _ port.UnitOfWork) error {
	h.logger.Info("out of stock", zap.String("sku", evt.SKU))
	return h.notifier.Send(ctx, h.cfg.NotifyRecipient, "out of stock for "+evt.SKU)
}
