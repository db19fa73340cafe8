package domain

import "errors"

var (
	ErrBatchNotFound  = errors.New("batch not found")
	ErrDuplicateBatch = errors.New("duplicate batch reference")
	ErrNoAllocations  = errors.New("batch has no allocations")
	ErrSKUMismatch    = errors.New("sku mismatch")
)
