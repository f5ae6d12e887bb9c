package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestMemoryBusDeliversPerStream(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	var got []Event
	if err := bus.Subscribe(ctx, StreamEscrow, func(e Event) { got = append(got, e) }); err != nil {
		t.Fatal(err)
	}

	_ = bus.Publish(ctx, StreamEscrow, Event{Type: EventEscrowStatusChanged, Payload: map[string]any{"escrow_id": "x"}})
	_ = bus.Publish(ctx, "events:other", Event{Type: "ignored"})

	if len(got) != 1 || got[0].Type != EventEscrowStatusChanged {
		t.Fatalf("got %+v", got)
	}
}

func TestMemoryBusDeliversOneEventAtATime(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	var inside, overlaps, delivered atomic.Int32
	_ = bus.Subscribe(ctx, StreamEscrow, func(Event) {
		if inside.Add(1) > 1 {
			overlaps.Add(1)
		}
		delivered.Add(1)
		inside.Add(-1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = bus.Publish(ctx, StreamEscrow, Event{Type: EventEscrowStatusChanged})
			}
		}()
	}
	wg.Wait()

	if overlaps.Load() != 0 {
		t.Fatalf("handler ran concurrently %d times", overlaps.Load())
	}
	if delivered.Load() != 16*25 {
		t.Fatalf("delivered %d, want %d", delivered.Load(), 16*25)
	}
}
