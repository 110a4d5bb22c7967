package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TopicNarrativeGenerated = "narrative_generated"
	TopicGenerationFallback = "generation_fallback"
)

// TurnEvent describes one completed turn. Observers receive it after the
// session has been updated.
type TurnEvent struct {
	ID              string    `json:"id"`
	Topic           string    `json:"topic"`
	SessionID       string    `json:"session_id"`
	Turn            int       `json:"turn"`
	TaskKind        string    `json:"task_kind"`
	Backend         string    `json:"backend"`
	Attempts        int       `json:"attempts"`
	Fallback        bool      `json:"fallback"`
	ContentFiltered bool      `json:"content_filtered"`
	Location        string    `json:"location"`
	Narrative       string    `json:"narrative"`
	Timestamp       time.Time `json:"timestamp"`
}

type Handler func(TurnEvent)

type EventBus struct {
	events   chan TurnEvent
	handlers map[string][]Handler
	closed   bool
	dropped  atomic.Uint64
	mu       sync.RWMutex
}

func NewEventBus() *EventBus {
	return NewEventBusSize(100)
}

func NewEventBusSize(size int) *EventBus {
	if size <= 0 {
		size = 1
	}
	return &EventBus{
		events:   make(chan TurnEvent, size),
		handlers: make(map[string][]Handler),
	}
}

// Publish queues ev without blocking. When the buffer is full the event is
// dropped and counted.
func (b *EventBus) Publish(ev TurnEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.events <- ev:
	default:
		b.dropped.Add(1)
	}
}

func (b *EventBus) Consume(ctx context.Context) (TurnEvent, bool) {
	select {
	case ev, ok := <-b.events:
		if !ok {
			return TurnEvent{}, false
		}
		return ev, true
	case <-ctx.Done():
		return TurnEvent{}, false
	}
}

func (b *EventBus) Subscribe(topic string, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

func (b *EventBus) Handlers(topic string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Handler(nil), b.handlers[topic]...)
}

// Run dispatches queued events to their topic's handlers until ctx is done or
// the bus is closed and drained.
func (b *EventBus) Run(ctx context.Context) error {
	for {
		ev, ok := b.Consume(ctx)
		if !ok {
			return ctx.Err()
		}
		for _, h := range b.Handlers(ev.Topic) {
			h(ev)
		}
	}
}

func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.events)
}

func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}
