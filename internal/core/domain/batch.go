package domain

import (
	"fmt"
	"sort"
	"time"
)

// Batch is a stock lot. Two batches with the same Reference are the same
// batch regardless of their other fields.
type Batch struct {
	Reference         string
	SKU               string
	PurchasedQuantity int
	ETA               *time.Time // nil means the stock is already in the warehouse

	allocations map[OrderLine]struct{}
}

func NewBatch(ref, sku string, qty int, eta *time.Time) *Batch {
	return &Batch{
		Reference:         ref,
		SKU:               sku,
		PurchasedQuantity: qty,
		ETA:               eta,
		allocations:       make(map[OrderLine]struct{}),
	}
}

func (b *Batch) String() string {
	return fmt.Sprintf("<Batch %s>", b.Reference)
}

func (b *Batch) Equal(other *Batch) bool {
	if other == nil {
		return false
	}
	return b.Reference == other.Reference
}

// Less reports whether b should be allocated from before other.
// In-stock batches come first, then shipments by earliest ETA.
func (b *Batch) Less(other *Batch) bool {
	if b.ETA == nil {
		return other.ETA != nil
	}
	if other.ETA == nil {
		return false
	}
	return b.ETA.Before(*other.ETA)
}

func (b *Batch) AllocatedQuantity() int {
	total := 0
	for line := range b.allocations {
		total += line.Qty
	}
	return total
}

func (b *Batch) AvailableQuantity() int {
	return b.PurchasedQuantity - b.AllocatedQuantity()
}

func (b *Batch) CanAllocate(line OrderLine) bool {
	return b.SKU == line.SKU && b.AvailableQuantity() >= line.Qty
}

func (b *Batch) Allocate(line OrderLine) {
	if !b.CanAllocate(line) {
		return
	}
	if b.allocations == nil {
		b.allocations = make(map[OrderLine]struct{})
	}
	b.allocations[line] = struct{}{}
}

func (b *Batch) Deallocate(line OrderLine) {
	delete(b.allocations, line)
}

func (b *Batch) HasAllocation(line OrderLine) bool {
	_, ok := b.allocations[line]
	return ok
}

// DeallocateOne removes and returns one allocated line. The smallest line
// (by order id, sku, qty) is chosen so the outcome is reproducible.
func (b *Batch) DeallocateOne() (OrderLine, error) {
	lines := b.Allocations()
	if len(lines) == 0 {
		return OrderLine{}, fmt.Errorf("%s: %w", b.Reference, ErrNoAllocations)
	}
	line := lines[0]
	delete(b.allocations, line)
	return line, nil
}

// Allocations returns the allocated lines sorted by order id, sku and qty.
func (b *Batch) Allocations() []OrderLine {
	lines := make([]OrderLine, 0, len(b.allocations))
	for line := range b.allocations {
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].OrderID != lines[j].OrderID {
			return lines[i].OrderID < lines[j].OrderID
		}
		if lines[i].SKU != lines[j].SKU {
			return lines[i].SKU < lines[j].SKU
		}
		return lines[i].Qty < lines[j].Qty
	})
	return lines
}

// Clone returns a deep copy of the batch.
func (b *Batch) Clone() *Batch {
	c := NewBatch(b.Reference, b.SKU, b.PurchasedQuantity, nil)
	if b.ETA != nil {
		eta := *b.ETA
		c.ETA = &eta
	}
	for line := range b.allocations {
		c.allocations[line] = struct{}{}
	}
	return c
}

// RestoreAllocations loads persisted allocations without the availability
// check. Repositories use it when rebuilding a batch from storage.
func (b *Batch) RestoreAllocations(lines ...OrderLine) {
	if b.allocations == nil {
		b.allocations = make(map[OrderLine]struct{})
	}
	for _, line := range lines {
		b.allocations[line] = struct{}{}
	}
}
