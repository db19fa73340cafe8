package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/warehouse-allocation/internal/core/domain"
	"github.com/rl1809/warehouse-allocation/internal/port"
)

const tracerName = "github.com/rl1809/warehouse-allocation/messagebus"

const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Recorder receives one observation per handler invocation.
type Recorder interface {
	ObserveMessage(msgType domain.MessageType, kind, outcome string, elapsed time.Duration)
}

type Option func(*Bus)

func WithRecorder(r Recorder) Option {
	return func(b *Bus) { b.recorder = r }
}

func WithTracer(t trace.Tracer) Option {
	return func(b *Bus) { b.tracer = t }
}

// Bus dispatches one message and every follow-up message it causes.
type Bus struct {
	registry *Registry
	newUoW   port.UnitOfWorkFactory
	logger   *zap.Logger
	tracer   trace.Tracer
	recorder Recorder
}

func NewBus(registry *Registry, newUoW port.UnitOfWorkFactory, logger *zap.Logger, opts ...Option) *Bus {
	b := &Bus{
		registry: registry,
		newUoW:   newUoW,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Handle processes msg and everything queued as a consequence of it, one
// message at a time in FIFO order. It returns the results of the command
// handlers in dispatch order. A failing command aborts the whole call; a
// failing event handler is logged and skipped.
func (b *Bus) Handle(ctx context.Context, msg domain.Message) ([]string, error) {
	logger := b.logger.With(zap.String("dispatch_id", uuid.NewString()))

	var results []string
	queue := []domain.Message{msg}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		switch m := next.(type) {
		case domain.Command:
			result, collected, err := b.handleCommand(ctx, logger, m)
			if err != nil {
				return nil, err
			}
			results = append(results, result)
			queue = append(queue, collected...)
		case domain.Event:
			queue = append(queue, b.handleEvent(ctx, logger, m)...)
		default:
			return nil, fmt.Errorf("%T: %w", next, ErrUnknownMessage)
		}
	}
	return results, nil
}

func (b *Bus) handleCommand(ctx context.Context, logger *zap.Logger, cmd domain.Command) (string, []domain.Message, error) {
	typ := cmd.MessageType()
	handler, ok := b.registry.CommandHandler(typ)
	if !ok {
		err := fmt.Errorf("command %s: %w", typ, ErrNoHandler)
		logger.Error("unroutable command", zap.String("message_type", string(typ)), zap.Error(err))
		return "", nil, err
	}

	logger.Debug("handling command", zap.String("message_type", string(typ)), zap.Any("command", cmd))

	ctx, span := b.tracer.Start(ctx, "command "+string(typ), trace.WithAttributes(
		attribute.String("messaging.message.type", string(typ)),
	))
	defer span.End()

	start := time.Now()
	uow := b.newUoW()
	result, err := handler(ctx, cmd, uow)
	if err != nil {
		b.observe(typ, "command", OutcomeFailed, start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("exception handling command",
			zap.String("message_type", string(typ)),
			zap.Any("command", cmd),
			zap.Error(err),
		)
		return "", nil, err
	}
	b.observe(typ, "command", OutcomeOK, start)

	return result, uow.CollectNewMessages(), nil
}

func (b *Bus) handleEvent(ctx context.Context, logger *zap.Logger, evt domain.Event) []domain.Message {
	typ := evt.MessageType()

	var collected []domain.Message
	for i, handler := range b.registry.EventHandlers(typ) {
		logger.Debug("handling event",
			zap.String("message_type", string(typ)),
			zap.Int("handler", i),
			zap.Any("event", evt),
		)

		hctx, span := b.tracer.Start(ctx, "event "+string(typ), trace.WithAttributes(
			attribute.String("messaging.message.type", string(typ)),
			attribute.Int("handler.index", i),
		))

		start := time.Now()
		uow := b.newUoW()
		if err := handler(hctx, evt, uow); err != nil {
			b.observe(typ, "event", OutcomeFailed, start)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			logger.Error("exception handling event",
				zap.String("message_type", string(typ)),
				zap.Int("handler", i),
				zap.Any("event", evt),
				zap.Error(err),
			)
			// anything the handler committed before failing still goes out
			collected = append(collected, uow.CollectNewMessages()...)
			continue
		}
		b.observe(typ, "event", OutcomeOK, start)
		span.End()

		collected = append(collected, uow.CollectNewMessages()...)
	}
	return collected
}

func (b *Bus) observe(typ domain.MessageType, kind, outcome string, start time.Time) {
	if b.recorder == nil {
		return
	}
	b.recorder.ObserveMessage(typ, kind, outcome, time.Since(start))
}
