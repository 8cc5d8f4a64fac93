package util

import "sync"

// Mailbox is an unbounded FIFO queue. Put never blocks, so it is safe to call
// from foreign callbacks (pion handlers, read loops) that must not stall.
// Items are delivered to a single consumer through Ready/Take.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	closed bool
}

// NewMailbox creates an empty mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{notify: make(chan struct{}, 1)}
}

// Put appends an item. It reports false if the mailbox is closed.
func (m *Mailbox[T]) Put(item T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, item)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Ready returns a channel that receives a signal whenever items may be
// available. A signal can be stale; always follow it with Take.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.notify
}

// Take removes and returns all queued items in arrival order.
func (m *Mailbox[T]) Take() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close rejects further Puts and drops anything still queued.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.items = nil
	m.mu.Unlock()
}
