package port

import (
	"context"

	"github.com/rl1809/warehouse-allocation/internal/core/domain"
)

// UnitOfWork scopes one transaction. Begin opens it, and exactly one of
// Commit or Rollback ends it. Rollback after Commit is a no-op, so callers
// can always defer Rollback.
type UnitOfWork interface {
	Begin(ctx context.Context) error
	Products() ProductRepository
	Allocations() AllocationsView
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// CollectNewMessages drains the queued messages of every product seen
	// during a committed scope. It returns nothing before a commit.
	CollectNewMessages() []domain.Message
}

// UnitOfWorkFactory returns a fresh, inactive unit of work.
type UnitOfWorkFactory func() UnitOfWork
