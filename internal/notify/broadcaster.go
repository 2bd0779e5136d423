// Package notify fans out state snapshots to observers.
package notify

import "sync"

// Broadcaster delivers published values to every subscribed listener.
// Slow listeners lose their oldest buffered values rather than blocking
// the publisher, so the most recent value always gets through.
type Broadcaster[T any] struct {
	mu        sync.RWMutex
	listeners map[*Listener[T]]struct{}
	size      int
}

// Listener receives published values on C until it is unsubscribed.
type Listener[T any] struct {
	C  <-chan T
	ch chan T
}

// NewBroadcaster creates a broadcaster whose listeners buffer size values.
func NewBroadcaster[T any](size int) *Broadcaster[T] {
	if size <= 0 {
		size = 1
	}
	return &Broadcaster[T]{
		listeners: make(map[*Listener[T]]struct{}),
		size:      size,
	}
}

// Subscribe registers a new listener.
func (b *Broadcaster[T]) Subscribe() *Listener[T] {
	ch := make(chan T, b.size)
	l := &Listener[T]{C: ch, ch: ch}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()
	return l
}

// Unsubscribe removes a listener and closes its channel. Unsubscribing
// twice is a no-op.
func (b *Broadcaster[T]) Unsubscribe(l *Listener[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.listeners[l]; !ok {
		return
	}
	delete(b.listeners, l)
	close(l.ch)
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster[T]) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish sends v to every listener without blocking. Publishers are
// serialized, so listeners receive values in publish order.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for l := range b.listeners {
		for {
			select {
			case l.ch <- v:
			default:
				// Buffer full, drop the oldest value and retry
				select {
				case <-l.ch:
				default:
				}
				continue
			}
			break
		}
	}
}
