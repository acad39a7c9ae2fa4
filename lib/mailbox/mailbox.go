// Package mailbox provides a lock-free Multi-Producer Single-Consumer (MPSC) mailbox.
//
// Features and Guarantees:
//
//   - Lock-Free: producers append with atomic operations, they never block on the consumer
//   - Unbounded Size: the mailbox can grow as needed, a slow consumer never stalls a producer
//   - Thread-Safe writes: any number of goroutines may Push concurrently
//   - Single Consumer: one goroutine drains the mailbox via the Recv() channel
//   - Ordering: values pushed by one goroutine (or by several under a common lock)
//     are received in push order. Under unsynchronized concurrent pushes the
//     order is decided by which producer completes first.
//
// The stream connection manager gives every subscriber its own mailbox, so a
// slow subscriber never delays the connection or other subscribers, and every
// subscriber still observes every event in order.
package mailbox

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node represents a single element in the mailbox
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// Mailbox is a lock-free multi-producer single-consumer queue built
// on a linked list of nodes
type Mailbox[T any] struct {
	head     atomic.Pointer[node[T]]
	tail     atomic.Pointer[node[T]]
	out      chan T
	consumer sync.WaitGroup
	closed   atomic.Bool

	// Condition variable for efficient waiting
	mu   sync.Mutex
	cond *sync.Cond
}

// New creates a new mailbox and starts its delivery goroutine
func New[T any]() *Mailbox[T] {
	// sentinel node, head always points to the last consumed node
	sentinel := &node[T]{}

	m := &Mailbox[T]{
		out: make(chan T),
	}
	m.cond = sync.NewCond(&m.mu)
	m.head.Store(sentinel)
	m.tail.Store(sentinel)

	m.consumer.Add(1)
	go m.deliver()

	return m
}

// Push appends a value. It returns false if the mailbox is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *Mailbox[T]) Push(value T) bool {
	if m.closed.Load() {
		return false
	}

	n := &node[T]{value: value}
	var spins uint8

	for {
		tail := m.tail.Load()
		next := tail.next.Load()

		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// may fail if another producer already advanced the tail, which is fine
				m.tail.CompareAndSwap(tail, n)

				// take the lock so the signal cannot slip between the
				// consumer's emptiness check and its Wait
				m.mu.Lock()
				m.cond.Signal()
				m.mu.Unlock()
				return true
			}
		} else {
			// help a producer that appended but has not advanced the tail yet
			m.tail.CompareAndSwap(tail, next)
		}

		// spin briefly at low contention, then yield
		if spins < 10 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// deliver moves values from the linked list to the output channel
func (m *Mailbox[T]) deliver() {
	defer m.consumer.Done()
	defer close(m.out)

	var zero T
	for {
		delivered := false

		for {
			head := m.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			delivered = true

			value := next.value
			m.head.Store(next)
			m.out <- value

			// release the reference, next is the new sentinel
			next.value = zero
		}

		if !delivered && m.closed.Load() {
			return
		}

		if !delivered {
			m.mu.Lock()
			if m.head.Load().next.Load() == nil && !m.closed.Load() {
				m.cond.Wait()
			}
			m.mu.Unlock()
		}
	}
}

// Recv returns the channel the consumer reads from.
// The channel is closed once the mailbox is closed and drained
func (m *Mailbox[T]) Recv() <-chan T {
	return m.out
}

// Close closes the mailbox, later pushes are rejected.
// Values already pushed are still delivered
func (m *Mailbox[T]) Close() {
	m.closed.Store(true)

	m.mu.Lock()
	m.cond.Signal()
	m.mu.Unlock()
}

// IsClosed returns true if the mailbox is closed
func (m *Mailbox[T]) IsClosed() bool {
	return m.closed.Load()
}

// Len returns an approximate number of undelivered values.
// This is O(n) and should only be used for debugging
func (m *Mailbox[T]) Len() int {
	count := 0
	for cur := m.head.Load().next.Load(); cur != nil; cur = cur.next.Load() {
		count++
	}
	return count
}
