// Package eventbus fans typed events out to in-process subscribers.
package eventbus

import (
	"context"
	"sync"
)

const defaultBufferSize = 64

// Dispatcher delivers published events to every live subscriber. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Dispatcher[T any] struct {
	mu          sync.RWMutex
	subscribers map[int64]chan T
	nextID      int64
	bufferSize  int
}

// NewDispatcher constructs a Dispatcher whose subscriber channels hold bufferSize events.
func NewDispatcher[T any](bufferSize int) *Dispatcher[T] {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher[T]{
		subscribers: make(map[int64]chan T),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber until ctx is done or the returned cleanup runs.
// The channel is closed on unsubscribe.
func (d *Dispatcher[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	stream := make(chan T, d.bufferSize)

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subscribers[id] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unsubscribe(id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish offers event to every subscriber without blocking.
func (d *Dispatcher[T]) Publish(event T) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, stream := range d.subscribers {
		select {
		case stream <- event:
		default:
		}
	}
}

// Subscribers reports the number of live subscribers.
func (d *Dispatcher[T]) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *Dispatcher[T]) unsubscribe(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if stream, ok := d.subscribers[id]; ok {
		delete(d.subscribers, id)
		close(stream)
	}
}
