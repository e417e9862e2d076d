// Package watch provides a latest-value publish/subscribe primitive used for
// the observable streams (current call, missed-call set, settings).
package watch

import "sync"

// Notifier fans a value out to subscribers. Each subscriber has a one-slot
// buffer: a slow reader skips intermediate values but always receives the
// most recent one.
type Notifier[T any] struct {
	mu        sync.Mutex
	listeners map[uint64]chan T
	nextID    uint64
	last      T
	hasLast   bool
	closed    bool
}

// NewNotifier creates an empty Notifier.
func NewNotifier[T any]() *Notifier[T] {
	return &Notifier[T]{listeners: make(map[uint64]chan T)}
}

// Subscribe returns a channel that receives published values, starting with
// the latest one if any was published. The cancel function unsubscribes
// and closes the channel; it is safe to call more than once.
func (n *Notifier[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := n.nextID
	n.nextID++
	n.listeners[id] = ch
	if n.hasLast {
		ch <- n.last
	}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if _, ok := n.listeners[id]; ok {
				delete(n.listeners, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers v to every subscriber, replacing any value a subscriber
// has not read yet.
func (n *Notifier[T]) Publish(v T) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.last = v
	n.hasLast = true
	for _, ch := range n.listeners {
		select {
		case ch <- v:
		default:
			// Drop the stale value so the newest one fits.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// Latest returns the most recently published value.
func (n *Notifier[T]) Latest() (T, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last, n.hasLast
}

// Close closes every subscriber channel. Later Subscribe calls return a
// closed channel.
func (n *Notifier[T]) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.listeners {
		delete(n.listeners, id)
		close(ch)
	}
}
