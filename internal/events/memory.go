package events

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Publisher and Subscriber for single-replica
// runs without Redis. Handlers run on the publishing goroutine, one event at
// a time, the same way a Redis subscription delivers them.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]func(Event)

	deliver sync.Mutex
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]func(Event))}
}

func (b *MemoryBus) Publish(_ context.Context, stream string, event Event) error {
	b.mu.RLock()
	hs := make([]func(Event), len(b.handlers[stream]))
	copy(hs, b.handlers[stream])
	b.mu.RUnlock()

	b.deliver.Lock()
	defer b.deliver.Unlock()
	for _, h := range hs {
		h(event)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, stream string, handler func(Event)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[stream] = append(b.handlers[stream], handler)
	return nil
}
