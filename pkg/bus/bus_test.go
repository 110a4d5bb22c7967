package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEventBus_PublishDropsWhenBufferFull(t *testing.T) {
	b := NewEventBusSize(2)
	defer b.Close()

	for i := 0; i < cap(b.events); i++ {
		b.Publish(TurnEvent{Topic: TopicNarrativeGenerated, Turn: i})
	}

	start := time.Now()
	b.Publish(TurnEvent{Topic: TopicNarrativeGenerated, Turn: 99})
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("publish on a full buffer blocked for %v", elapsed)
	}
	if b.Dropped() != 1 {
		t.Fatalf("expected dropped count 1, got %d", b.Dropped())
	}
}

func TestEventBus_ClosedBusReturnsFalse(t *testing.T) {
	b := NewEventBus()
	b.Close()
	b.Close()

	if _, ok := b.Consume(context.Background()); ok {
		t.Fatalf("expected closed consume to return ok=false")
	}
	b.Publish(TurnEvent{Topic: TopicNarrativeGenerated})
	if b.Dropped() != 0 {
		t.Fatalf("publishing on a closed bus should be a no-op")
	}
}

func TestEventBus_RunDispatchesByTopic(t *testing.T) {
	b := NewEventBus()

	var mu sync.Mutex
	var generated, fallbacks []int
	b.Subscribe(TopicNarrativeGenerated, func(ev TurnEvent) {
		mu.Lock()
		generated = append(generated, ev.Turn)
		mu.Unlock()
	})
	b.Subscribe(TopicGenerationFallback, func(ev TurnEvent) {
		mu.Lock()
		fallbacks = append(fallbacks, ev.Turn)
		mu.Unlock()
	})
	b.Subscribe("ignored", nil)

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	b.Publish(TurnEvent{Topic: TopicNarrativeGenerated, Turn: 1})
	b.Publish(TurnEvent{Topic: TopicGenerationFallback, Turn: 2})
	b.Publish(TurnEvent{Topic: TopicNarrativeGenerated, Turn: 3})
	b.Close()

	if err := <-done; err != nil {
		t.Fatalf("run returned %v after close", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(generated) != 2 || generated[0] != 1 || generated[1] != 3 {
		t.Fatalf("unexpected generated turns %v", generated)
	}
	if len(fallbacks) != 1 || fallbacks[0] != 2 {
		t.Fatalf("unexpected fallback turns %v", fallbacks)
	}
	if len(b.Handlers("ignored")) != 0 {
		t.Fatalf("nil handler should not be registered")
	}
}

func TestEventBus_RunStopsOnCancel(t *testing.T) {
	b := NewEventBus()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	cancel()

	if err := <-done; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
