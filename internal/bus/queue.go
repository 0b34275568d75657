package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"main/internal/schema"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// Queue is a bounded, non-blocking queue of appended ledger events. The
// append path publishes fire-and-forget; a full queue drops for the
// subscriber rather than stalling order flow.
type Queue struct {
	ch      chan schema.Event
	closed  uint32
	dropped uint64
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan schema.Event, capacity)}
}

// TryPublish enqueues an event without blocking.
func (q *Queue) TryPublish(ev schema.Event) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrQueueClosed
	}
	select {
	case q.ch <- ev:
		return nil
	default:
		atomic.AddUint64(&q.dropped, 1)
		return ErrQueueFull
	}
}

// Dropped returns the number of events lost to a full queue.
func (q *Queue) Dropped() uint64 {
	return atomic.LoadUint64(&q.dropped)
}

// Close stops the queue from accepting new events.
func (q *Queue) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.ch)
	}
}

// Run consumes events until the context is done or the queue is closed.
func (q *Queue) Run(ctx context.Context, handler func(schema.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q.ch:
			if !ok {
				return
			}
			handler(ev)
		}
	}
}

// Fanout replicates every published event onto each subscriber's own
// bounded queue, so one slow consumer only loses its own events.
type Fanout struct {
	mu       sync.RWMutex
	capacity int
	subs     []*Queue
}

// NewFanout creates a fanout whose subscriber queues hold capacity events.
func NewFanout(capacity int) *Fanout {
	return &Fanout{capacity: capacity}
}

// Subscribe registers a new consumer queue.
func (f *Fanout) Subscribe() *Queue {
	q := NewQueue(f.capacity)
	f.mu.Lock()
	f.subs = append(f.subs, q)
	f.mu.Unlock()
	return q
}

// Publish offers the event to every subscriber without blocking and
// returns how many subscribers lost it to a full queue.
func (f *Fanout) Publish(ev schema.Event) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	dropped := 0
	for _, q := range f.subs {
		if err := q.TryPublish(ev); err != nil {
			dropped++
		}
	}
	return dropped
}

// Close closes every subscriber queue.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.subs {
		q.Close()
	}
	f.subs = nil
}
