package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrBusClosed is returned when publishing after Stop.
var ErrBusClosed = errors.New("event bus is closed")

type envelope struct {
	ctx   context.Context
	event *JobEvent
}

// Bus is an in-process event channel with one consumer loop per event type.
// Events of a given type are delivered to handlers in publish order. Loops
// of different types run independently, so there is no ordering between,
// say, a job's job.retrying and its later job.failed event.
type Bus struct {
	mu       sync.RWMutex
	channels map[Type]chan envelope
	handlers map[Type][]EventHandler
	started  bool
	closed   bool
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewBus creates a Bus whose per-type channels buffer bufferSize events.
func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	b := &Bus{
		channels: make(map[Type]chan envelope, len(Types)),
		handlers: make(map[Type][]EventHandler, len(Types)),
		logger:   logger.With("component", "event_bus"),
	}
	for _, t := range Types {
		b.channels[t] = make(chan envelope, bufferSize)
	}
	return b
}

// Subscribe registers handler for events of type t. Handlers must be
// registered before Start.
func (b *Bus) Subscribe(t Type, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], handler)
	b.logger.Debug("registered event handler",
		"event_type", t,
		"handler_count", len(b.handlers[t]))
}

// Start launches the consumer loops.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	for _, t := range Types {
		handlers := append([]EventHandler(nil), b.handlers[t]...)
		b.wg.Add(1)
		go b.consume(t, b.channels[t], handlers)
	}
}

// Publish queues the event for its consumer loop. It blocks while the
// channel is full, until ctx is done.
func (b *Bus) Publish(ctx context.Context, event *JobEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	ch, ok := b.channels[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type %q", event.Type)
	}

	// Detach from the caller's cancellation but keep its values
	env := envelope{ctx: context.WithoutCancel(ctx), event: event}
	select {
	case ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the bus and waits for queued events to be handled.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, ch := range b.channels {
		close(ch)
	}
	started := b.started
	b.mu.Unlock()

	if started {
		b.wg.Wait()
	}
}

func (b *Bus) consume(t Type, ch <-chan envelope, handlers []EventHandler) {
	defer b.wg.Done()
	for env := range ch {
		for i, h := range handlers {
			if err := h.HandleEvent(env.ctx, env.event); err != nil {
				b.logger.ErrorContext(env.ctx, "handler failed to process event",
					"error", err,
					"handler_index", i,
					"event_id", env.event.ID,
					"event_type", t)
			}
		}
	}
}

// Ensure Bus implements Publisher
var _ Publisher = (*Bus)(nil)
