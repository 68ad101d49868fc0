package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/eshop/go/internal/correlation"
	"github.com/mcdev12/eshop/go/internal/events"
)

// MemoryBus delivers events in-process. Each publish goes through the wire
// codec so handlers see what a real broker would hand them. Failed deliveries
// are retried up to MaxDeliver times. Message ids are remembered for the
// last DedupeWindow publishes, like a broker's duplicate window.
type MemoryBus struct {
	MaxDeliver   int
	DedupeWindow int

	mu        sync.RWMutex
	handlers  map[events.Type][]Handler
	published []events.Event
	seen      map[string]struct{}
	seenOrder []string
	closed    bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		MaxDeliver:   3,
		DedupeWindow: 10000,
		handlers:     make(map[events.Type][]Handler),
		seen:         make(map[string]struct{}),
	}
}

func (b *MemoryBus) Subscribe(eventType events.Type, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.handlers[eventType] = append(b.handlers[eventType], h)
	return nil
}

func (b *MemoryBus) Publish(ctx context.Context, ev events.Event, opts ...PublishOption) error {
	o := ApplyOptions(opts...)

	data, err := events.Encode(ev)
	if err != nil {
		return err
	}
	decoded, err := events.Decode(ev.EventType(), data)
	if err != nil {
		return fmt.Errorf("memory bus round trip: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if o.MessageID != "" {
		if _, dup := b.seen[o.MessageID]; dup {
			b.mu.Unlock()
			return nil
		}
		b.remember(o.MessageID)
	}
	b.published = append(b.published, decoded)
	handlers := append([]Handler(nil), b.handlers[ev.EventType()]...)
	b.mu.Unlock()

	deliveryCtx := correlation.NewContext(context.WithoutCancel(ctx), decoded.Base().CorrelationID)
	for _, h := range handlers {
		b.deliver(deliveryCtx, h, decoded)
	}
	return nil
}

// remember records id and forgets the oldest ids beyond the window.
// Callers hold b.mu.
func (b *MemoryBus) remember(id string) {
	b.seen[id] = struct{}{}
	b.seenOrder = append(b.seenOrder, id)
	if b.DedupeWindow <= 0 {
		return
	}
	for len(b.seenOrder) > b.DedupeWindow {
		delete(b.seen, b.seenOrder[0])
		b.seenOrder = b.seenOrder[1:]
	}
}

func (b *MemoryBus) deliver(ctx context.Context, h Handler, ev events.Event) {
	attempts := b.MaxDeliver
	if attempts < 1 {
		attempts = 1
	}
	for i := 1; i <= attempts; i++ {
		err := SafeHandle(ctx, h, ev)
		if err == nil {
			return
		}
		log.Warn().Err(err).
			Str("event_type", string(ev.EventType())).
			Int("attempt", i).
			Msg("memory bus delivery failed")
	}
}

// Published returns every event accepted so far, in publish order.
func (b *MemoryBus) Published() []events.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]events.Event(nil), b.published...)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// IsConnected reports whether the bus still accepts publishes.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
