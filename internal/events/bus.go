package events

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Handler processes events on the bus. Handlers are called in priority
// order (lower value first) for matching event types.
type Handler interface {
	// ID returns a unique identifier for this handler.
	ID() string

	// Handles returns the event types this handler processes.
	Handles() []Type

	// Priority determines call order. Lower values are called first.
	Priority() int

	// Handle processes one event. Returning an error logs a warning but
	// does not stop the handler chain.
	Handle(ctx context.Context, ev *Event) error
}

// Bus dispatches events to registered handlers sequentially on the
// caller's goroutine.
type Bus struct {
	logger   zerolog.Logger
	mu       sync.RWMutex
	handlers []Handler
}

// New creates an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger.With().Str("component", "events").Logger()}
}

// Register adds a handler. Handlers are sorted by priority at dispatch
// time, so registration order does not matter.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Dispatch sends an event to every handler registered for its type.
// Handler errors are logged and the chain continues. The only error
// returned is the context's, checked between handlers.
func (b *Bus) Dispatch(ctx context.Context, ev *Event) error {
	if b == nil || ev == nil {
		return nil
	}
	b.mu.RLock()
	matching := b.matchingHandlers(ev.Type)
	b.mu.RUnlock()

	for _, h := range matching {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.Handle(ctx, ev); err != nil {
			b.logger.Warn().
				Str("handler", h.ID()).
				Str("event", string(ev.Type)).
				Err(err).
				Msg("event handler failed")
		}
	}
	return nil
}

// Handlers returns the registered handlers for introspection.
func (b *Bus) Handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, len(b.handlers))
	copy(out, b.handlers)
	return out
}

// matchingHandlers returns handlers for the given type sorted by priority.
// Callers must hold at least a read lock.
func (b *Bus) matchingHandlers(t Type) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		for _, ht := range h.Handles() {
			if ht == t {
				matched = append(matched, h)
				break
			}
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}

// funcHandler adapts a plain function to the Handler interface.
type funcHandler struct {
	id       string
	priority int
	types    []Type
	fn       func(ctx context.Context, ev *Event) error
}

// HandlerOf wraps fn as a handler with a fixed id, priority, and type set.
func HandlerOf(id string, priority int, types []Type, fn func(ctx context.Context, ev *Event) error) Handler {
	return &funcHandler{id: id, priority: priority, types: types, fn: fn}
}

func (h *funcHandler) ID() string      { return h.id }
func (h *funcHandler) Handles() []Type { return h.types }
func (h *funcHandler) Priority() int   { return h.priority }

func (h *funcHandler) Handle(ctx context.Context, ev *Event) error {
	return h.fn(ctx, ev)
}
