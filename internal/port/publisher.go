package port

import (
	"context"

	"github.com/rl1809/warehouse-allocation/internal/core/domain"
)

// EventPublisher hands events to external subscribers. Best effort.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, event domain.Event) error
}

// Notifier delivers a short notification to a recipient. Fire and forget.
type Notifier interface {
	Send(ctx context.Context, recipient, subject string) error
}
