// Package bus is an in-process publish/subscribe channel. Subscribers get a
// buffered channel each; a subscriber that falls behind misses events rather
// than blocking publishers.
package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const defaultBufferSize = 64

// Bus fans out values of type T to every current subscriber.
type Bus[T any] struct {
	name   string
	size   int
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[string]chan T
	closed      bool
}

// New creates a bus. name only appears in logs.
func New[T any](name string, bufferSize int, logger *slog.Logger) *Bus[T] {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus[T]{
		name:        name,
		size:        bufferSize,
		logger:      logger,
		subscribers: make(map[string]chan T),
	}
}

// Subscribe registers a new listener. The caller must Unsubscribe with the
// returned id when done; the channel is closed at that point.
func (b *Bus[T]) Subscribe() (string, <-chan T) {
	id := uuid.NewString()
	ch := make(chan T, b.size)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a listener and closes its channel. Unknown ids are ignored.
func (b *Bus[T]) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Publish delivers v to every subscriber without blocking.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- v:
		default:
			b.logger.Warn("event dropped for slow subscriber", "bus", b.name, "subscriber", id)
		}
	}
}

// Len returns the number of live subscribers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close unsubscribes everyone. Later Subscribe calls get a closed channel.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
