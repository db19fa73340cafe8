package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rl1809/warehouse-allocation/internal/core/domain"
	"github.com/rl1809/warehouse-allocation/internal/port"
)

type CommandHandler func(ctx context.Context, cmd domain.Command, uow port.UnitOfWork) (string, error)

type EventHandler func(ctx context.Context, evt domain.Event, uow port.UnitOfWork) error

// Registry maps message types to their handlers. Build it once at start-up
// and pass it to the bus.
type Registry struct {
	commands map[domain.MessageType]CommandHandler
	events   map[domain.MessageType][]EventHandler
}

func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[domain.MessageType]CommandHandler),
		events:   make(map[domain.MessageType][]EventHandler),
	}
}

// RegisterCommand sets the single handler for command type C. Registering a
// second handler for the same type panics.
func RegisterCommand[C domain.Command](r *Registry, h func(context.Context, C, port.UnitOfWork) (string, error)) {
	var zero C
	typ := zero.MessageType()
	if _, ok := r.commands[typ]; ok {
		panic(fmt.Sprintf("service: multiple handlers registered for command %s", typ))
	}
	r.commands[typ] = func(ctx context.Context, cmd domain.Command, uow port.UnitOfWork) (string, error) {
		c, ok := cmd.(C)
		if !ok {
			return "", fmt.Errorf("%w: %s handler got %T", ErrUnexpectedMessage, typ, cmd)
		}
		return h(ctx, c, uow)
	}
}

// RegisterEvent appends handlers for event type E. They run in
// registration order.
func RegisterEvent[E domain.Event](r *Registry, handlers ...func(context.Context, E, port.UnitOfWork) error) {
	var zero E
	typ := zero.MessageType()
	for _, h := range handlers {
		h := h
		r.events[typ] = append(r.events[typ], func(ctx context.Context, evt domain.Event, uow port.UnitOfWork) error {
			e, ok := evt.(E)
			if !ok {
				return fmt.Errorf("%w: %s handler got %T", ErrUnexpectedMessage, typ, evt)
			}
			return h(ctx, e, uow)
		})
	}
}

func (r *Registry) CommandHandler(typ domain.MessageType) (CommandHandler, bool) {
	h, ok := r.commands[typ]
	return h, ok
}

func (r *Registry) EventHandlers(typ domain.MessageType) []EventHandler {
	return r.events[typ]
}

// Validate checks that every command variant has a handler.
func (r *Registry) Validate() error {
	var missing []string
	for _, typ := range domain.CommandTypes() {
		if _, ok := r.commands[typ]; !ok {
			missing = append(missing, string(typ))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrNoHandler, strings.Join(missing, ", "))
	}
	return nil
}
