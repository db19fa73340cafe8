package domain

import (
	"fmt"
	"sort"
)

// Product is the aggregate root for every batch of one SKU. All allocation
// changes go through it.
//
// Domain operations append follow-up commands and events to an internal
// queue. The queue is only drained by a unit of work after it commits.
type Product struct {
	SKU           string
	VersionNumber int // optimistic locking

	batches  []*Batch
	messages []Message
}

func NewProduct(sku string, batches []*Batch, version int) *Product {
	return &Product{
		SKU:           sku,
		VersionNumber: version,
		batches:       batches,
	}
}

// Batches returns the product's batches in insertion order.
func (p *Product) Batches() []*Batch {
	out := make([]*Batch, len(p.batches))
	copy(out, p.batches)
	return out
}

func (p *Product) AddBatch(b *Batch) error {
	if b.SKU != p.SKU {
		return fmt.Errorf("batch %s has sku %s, product is %s: %w", b.Reference, b.SKU, p.SKU, ErrSKUMismatch)
	}
	for _, existing := range p.batches {
		if existing.Equal(b) {
			return fmt.Errorf("%s: %w", b.Reference, ErrDuplicateBatch)
		}
	}
	p.batches = append(p.batches, b)
	return nil
}

// Allocate assigns the line to the preferred batch that can hold it and
// returns that batch's reference. When no batch can, an OutOfStock event is
// recorded and the reference is empty; that is not an error.
func (p *Product) Allocate(line OrderLine) (string, error) {
	if line.SKU != p.SKU {
		return "", fmt.Errorf("line sku %s, product %s: %w", line.SKU, p.SKU, ErrSKUMismatch)
	}

	candidates := p.Batches()
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Less(candidates[j])
	})

	for _, b := range candidates {
		if !b.CanAllocate(line) {
			continue
		}
		b.Allocate(line)
		p.VersionNumber++
		p.messages = append(p.messages, Allocated{
			OrderID:  line.OrderID,
			SKU:      line.SKU,
			Qty:      line.Qty,
			BatchRef: b.Reference,
		})
		return b.Reference, nil
	}

	p.messages = append(p.messages, OutOfStock{SKU: line.SKU})
	return "", nil
}

// Deallocate removes the line from whichever batch holds it and returns
// that batch's reference. Removing a line that is not allocated is a no-op.
func (p *Product) Deallocate(line OrderLine) string {
	for _, b := range p.batches {
		if !b.HasAllocation(line) {
			continue
		}
		b.Deallocate(line)
		p.messages = append(p.messages, Deallocated{OrderID: line.OrderID, SKU: line.SKU, Qty: line.Qty})
		return b.Reference
	}
	return ""
}

func (p *Product) GetBatch(ref string) (*Batch, error) {
	for _, b := range p.batches {
		if b.Reference == ref {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%s in product %s: %w", ref, p.SKU, ErrBatchNotFound)
}

// ChangeBatchQuantity sets the purchased quantity of a batch. If the batch
// becomes over-allocated, lines are taken off it one at a time and an
// Allocate command is queued for each so they land somewhere else.
func (p *Product) ChangeBatchQuantity(ref string, qty int) error {
	b, err := p.GetBatch(ref)
	if err != nil {
		return err
	}

	b.PurchasedQuantity = qty
	for b.AvailableQuantity() < 0 {
		line, err := b.DeallocateOne()
		if err != nil {
			return err
		}
		p.messages = append(p.messages,
			Deallocated{OrderID: line.OrderID, SKU: line.SKU, Qty: line.Qty},
			Allocate{OrderID: line.OrderID, SKU: line.SKU, Qty: line.Qty},
		)
	}
	return nil
}

// Messages returns the queued messages without removing them.
func (p *Product) Messages() []Message {
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// DrainMessages removes and returns every queued message in FIFO order.
func (p *Product) DrainMessages() []Message {
	out := p.messages
	p.messages = nil
	return out
}

// Clone returns a deep copy of the product without its queued messages.
func (p *Product) Clone() *Product {
	batches := make([]*Batch, 0, len(p.batches))
	for _, b := range p.batches {
		batches = append(batches, b.Clone())
	}
	return NewProduct(p.SKU, batches, p.VersionNumber)
}
