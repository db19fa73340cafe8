package storage

import (
	"slices"

	"github.com/rl1809/warehouse-allocation/internal/core/domain"
)

// changed reports whether p differs from orig, its state at load time, in
// anything the stores persist.
func changed(p, orig *domain.Product) bool {
	if p.VersionNumber != orig.VersionNumber {
		return true
	}
	batches, origBatches := p.Batches(), orig.Batches()
	if len(batches) != len(origBatches) {
		return true
	}
	for i, b := range batches {
		o := origBatches[i]
		if b.Reference != o.Reference || b.PurchasedQuantity != o.PurchasedQuantity {
			return true
		}
		if (b.ETA == nil) != (o.ETA == nil) || (b.ETA != nil && !b.ETA.Equal(*o.ETA)) {
			return true
		}
		if !slices.Equal(b.Allocations(), o.Allocations()) {
			return true
		}
	}
	return false
}

// nextVersion is the version a changed product is stored with. Every
// committed change moves it forward, so a unit of work that loaded an
// older state cannot commit over it.
func nextVersion(p *domain.Product, loaded int) int {
	return max(p.VersionNumber, loaded+1)
}
