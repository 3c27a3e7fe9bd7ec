// Package eventbus fans events out to in-process subscribers without blocking publishers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory signal fanned out to subscribers.
//
// Publish never blocks. Subscribers get buffered channels and a slow
// subscriber loses events rather than stalling the engine loop.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Stats is implemented by the in-memory bus.
type Stats interface {
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Close under the write lock so no Publish can be mid-send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
