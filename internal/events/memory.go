package events

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultBuffer = 64

// MemoryBus fans events out to in-process subscribers.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*memorySub
	nextID uint64
	buffer int

	dropped atomic.Uint64
}

type memorySub struct {
	ch     chan Event
	filter Filter
}

// NewMemoryBus creates a bus whose subscriptions buffer up to buffer events.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &MemoryBus{subs: make(map[uint64]*memorySub), buffer: buffer}
}

// Publish delivers e to every matching subscriber without blocking. Events
// for a subscriber whose buffer is full are dropped.
func (b *MemoryBus) Publish(_ context.Context, e Event) error {
	e = stamp(e)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.filter.match(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscriber.
func (b *MemoryBus) Subscribe(filter Filter) (*Subscription, error) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &memorySub{ch: ch, filter: filter}
	b.mu.Unlock()

	return &Subscription{
		C: ch,
		cleanup: func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		},
	}, nil
}

// Dropped returns how many deliveries were dropped on full buffers.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of live subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
