// Package eventbus fans pipeline lifecycle signals out to in-process
// observers (debug logging, tests). Delivery is best effort: Publish never
// blocks and a full subscriber misses the event.
package eventbus

import (
	"sync"
	"time"
)

const (
	TypeBatchReceived = "pipeline.batch_received"
	TypeEventDropped  = "pipeline.event_dropped"
	TypePostPublished = "pipeline.post_published"
	TypePostFailed    = "pipeline.post_failed"
	TypeThreadReset   = "pipeline.thread_reset"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel and a func that closes it.
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 8

func New() Bus {
	return &bus{subs: make(map[chan Event]struct{})}
}

type bus struct {
	// Publish sends under the read lock; unsubscribe closes under the write
	// lock, so a send never races a close.
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	b.mu.RUnlock()
}

func (b *bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
}
