// Package inproc is an in-process Mediator, grounded on the teacher's
// type-keyed handler registry (see pkg/queue.Worker.Handle/handlers).
// It is the reference mediator used by pkg/dsl's own test suite and by
// local demos; it does not survive process restarts or route across
// nodes.
package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/nuulab/flowcore/pkg/mediator"
)

// CommandHandler processes a fire-and-forget message.
type CommandHandler func(ctx context.Context, msg mediator.Message) error

// QueryHandler processes a message that produces a result.
type QueryHandler func(ctx context.Context, msg mediator.Message) (any, error)

// EventHandler reacts to a published event. Multiple handlers may
// subscribe to the same event type; all are invoked.
type EventHandler func(ctx context.Context, evt mediator.Event) error

// Mediator is a type-keyed, in-process command/query/event router.
// Keys are the dynamic type name of the Go value passed to
// Send/SendResult/Publish, obtained via fmt.Sprintf("%T", msg) — the
// same discriminator style the flow DSL test fixtures use for their
// mock mediators.
type Mediator struct {
	mu       sync.RWMutex
	commands map[string]CommandHandler
	queries  map[string]QueryHandler
	events   map[string][]EventHandler
}

// New returns an empty Mediator.
func New() *Mediator {
	return &Mediator{
		commands: make(map[string]CommandHandler),
		queries:  make(map[string]QueryHandler),
		events:   make(map[string][]EventHandler),
	}
}

func typeKey(v any) string { return fmt.Sprintf("%T", v) }

// HandleCommand registers the handler for messages of msg's dynamic
// type. msg is used only to derive the type key; pass a zero value.
func (m *Mediator) HandleCommand(msg mediator.Message, h CommandHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands[typeKey(msg)] = h
}

// HandleQuery registers the handler for a result-producing message type.
func (m *Mediator) HandleQuery(msg mediator.Message, h QueryHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries[typeKey(msg)] = h
}

// Subscribe registers h to run whenever an event of evt's dynamic
// type is published.
func (m *Mediator) Subscribe(evt mediator.Event, h EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := typeKey(evt)
	m.events[key] = append(m.events[key], h)
}

func (m *Mediator) Send(ctx context.Context, msg mediator.Message) error {
	m.mu.RLock()
	h, ok := m.commands[typeKey(msg)]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("inproc: no command handler registered for %T", msg)
	}
	return h(ctx, msg)
}

func (m *Mediator) SendResult(ctx context.Context, msg mediator.Message) (any, error) {
	m.mu.RLock()
	h, ok := m.queries[typeKey(msg)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inproc: no query handler registered for %T", msg)
	}
	return h(ctx, msg)
}

func (m *Mediator) Publish(ctx context.Context, evt mediator.Event) error {
	m.mu.RLock()
	handlers := append([]EventHandler(nil), m.events[typeKey(evt)]...)
	m.mu.RUnlock()

	var firstErr error
	for _, h := range handlers {
		if err := h(ctx, evt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
