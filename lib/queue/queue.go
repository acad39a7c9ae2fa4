package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/qplex/lib/future"
	"github.com/ValentinKolb/qplex/lib/mapheap"
	"github.com/ValentinKolb/qplex/lib/qerr"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/semaphore"
)

var Logger = logger.GetLogger("queue")

var (
	enqueuedTotal   = metrics.GetOrCreateCounter("qplex_queue_enqueued_total")
	dispatchedTotal = metrics.GetOrCreateCounter("qplex_queue_dispatched_total")
	cancelledTotal  = metrics.GetOrCreateCounter("qplex_queue_cancelled_total")

	// queued entries of all queues
	queuedCount atomic.Int64
	queuedGauge = metrics.GetOrCreateGauge("qplex_queue_length", func() float64 {
		return float64(queuedCount.Load())
	})
)

var errClosed = errors.New("queue closed")

// DefaultWorkers is the number of concurrently running actions if Config.Workers is not set
const DefaultWorkers = 8

// Config configures a Queue
type Config struct {
	// Workers bounds the number of concurrently running actions (1 = single in-flight)
	Workers int
}

// Action is the unit of work executed by the queue.
// The context is cancelled if the entry is cancelled after dispatch
type Action[R any] func(ctx context.Context) (R, error)

// Entry is a read-only snapshot of a queued or running action
type Entry struct {
	Key      string
	OwnerID  string
	Priority Priority
	Running  bool
}

// queuedAction is the heap payload
type queuedAction[R any] struct {
	key      string
	ownerID  string
	priority Priority
	seq      uint64 // tie-breaker, lower is older
	run      Action[R]
	future   *future.Future[R]

	// set when dispatched
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool
}

func (a *queuedAction[R]) entry(running bool) Entry {
	return Entry{Key: a.key, OwnerID: a.ownerID, Priority: a.priority, Running: running}
}

// Queue executes actions in priority order with a bounded number of workers
type Queue[R any] struct {
	config  Config
	mu      sync.Mutex
	heap    *mapheap.MapHeap[string, *queuedAction[R]]
	running map[string]*queuedAction[R]
	seq     uint64
	closed  bool

	wake  chan struct{}
	slots *semaphore.Weighted
	ctx   context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup
}

// compareActions orders by priority, then by enqueue order
func compareActions[R any](a, b *queuedAction[R]) int {
	if a.priority != b.priority {
		return int(a.priority - b.priority)
	}
	if a.seq < b.seq {
		return 1
	}
	return -1
}

// New creates a queue and starts its dispatcher
func New[R any](config Config) *Queue[R] {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}

	ctx, stop := context.WithCancel(context.Background())
	q := &Queue[R]{
		config: config,
		heap: mapheap.New(
			compareActions[R],
			func(a *queuedAction[R]) string { return a.key },
		),
		running: make(map[string]*queuedAction[R]),
		wake:    make(chan struct{}, 1),
		slots:   semaphore.NewWeighted(int64(config.Workers)),
		ctx:     ctx,
		stop:    stop,
	}

	q.wg.Add(1)
	go q.dispatch()

	return q
}

// Enqueue adds an action under key. The returned future settles with the
// result of the action, or with a Cancelled error if the entry is cancelled.
// Enqueue fails if key is already queued or running
func (q *Queue[R]) Enqueue(ownerID, key string, priority Priority, action Action[R]) (*future.Future[R], error) {
	if action == nil {
		return nil, fmt.Errorf("queue: nil action for key %q", key)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, qerr.Cancelled("queue", errClosed)
	}
	if _, running := q.running[key]; running || q.heap.Contains(key) {
		q.mu.Unlock()
		return nil, qerr.New(qerr.KindDuplicate, "queue", fmt.Errorf("key %q already queued", key))
	}

	q.seq++
	a := &queuedAction[R]{
		key:      key,
		ownerID:  ownerID,
		priority: priority,
		seq:      q.seq,
		run:      action,
		future:   future.New[R](),
	}
	// cannot fail, the key was checked above
	_ = q.heap.Push(a)
	q.mu.Unlock()

	enqueuedTotal.Inc()
	queuedCount.Add(1)
	q.signal()

	return a.future, nil
}

// Lookup returns the entry and future for key if it is queued or running
func (q *Queue[R]) Lookup(key string) (Entry, *future.Future[R], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if a, ok := q.heap.Get(key); ok {
		return a.entry(false), a.future, true
	}
	if a, ok := q.running[key]; ok {
		return a.entry(true), a.future, true
	}
	return Entry{}, nil, false
}

// UpdatePriority changes the priority of a queued entry.
// It is a no-op (returning false) if the key is unknown or already dispatched
func (q *Queue[R]) UpdatePriority(key string, priority Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.heap.Get(key)
	if !ok {
		return false
	}
	if a.priority != priority {
		a.priority = priority
		q.heap.Update(key)
	}
	return true
}

// UpdateOwnerPriority changes the priority of every queued entry of ownerID
// and returns the number of entries that changed
func (q *Queue[R]) UpdateOwnerPriority(ownerID string, priority Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var keys []string
	q.heap.Each(func(a *queuedAction[R]) {
		if a.ownerID == ownerID && a.priority != priority {
			keys = append(keys, a.key)
		}
	})
	for _, key := range keys {
		a, _ := q.heap.Get(key)
		a.priority = priority
		q.heap.Update(key)
	}
	return len(keys)
}

// ClearQueue removes every queued entry of ownerID and rejects each with a
// Cancelled error. Dispatched entries are not affected.
// Returns the number of removed entries
func (q *Queue[R]) ClearQueue(ownerID string) int {
	q.mu.Lock()
	removed := q.heap.RemoveFunc(func(a *queuedAction[R]) bool { return a.ownerID == ownerID })
	q.mu.Unlock()

	for _, a := range removed {
		q.reject(a, nil)
	}
	if len(removed) > 0 {
		Logger.Debugf("cleared %d queued actions of owner %s", len(removed), ownerID)
	}
	return len(removed)
}

// Cancel cancels a single entry. A queued entry is removed immediately,
// a running entry gets its context cancelled. In both cases the future
// settles with a Cancelled error. Returns false if the key is unknown
func (q *Queue[R]) Cancel(key string) bool {
	q.mu.Lock()
	if a, ok := q.heap.Delete(key); ok {
		q.mu.Unlock()
		q.reject(a, nil)
		return true
	}
	a, ok := q.running[key]
	if ok {
		a.cancelled = true
		a.cancel()
	}
	q.mu.Unlock()
	return ok
}

// Len returns the number of queued (not yet dispatched) entries
func (q *Queue[R]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Running returns the number of dispatched entries that have not finished yet
func (q *Queue[R]) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// Close cancels all queued and running entries and waits for the workers to finish
func (q *Queue[R]) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	pending := q.heap.RemoveFunc(func(*queuedAction[R]) bool { return true })
	for _, a := range q.running {
		a.cancelled = true
		a.cancel()
	}
	q.mu.Unlock()

	q.stop()
	for _, a := range pending {
		q.reject(a, errClosed)
	}
	q.wg.Wait()
	return nil
}

// --------------------------------------------------------------------------
// Dispatcher
// --------------------------------------------------------------------------

// signal wakes the dispatcher without blocking
func (q *Queue[R]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatch waits for a free worker slot, then for the best queued entry
func (q *Queue[R]) dispatch() {
	defer q.wg.Done()

	for {
		if err := q.slots.Acquire(q.ctx, 1); err != nil {
			return
		}

		a, ok := q.next()
		if !ok {
			q.slots.Release(1)
			return
		}

		dispatchedTotal.Inc()
		queuedCount.Add(-1)
		Logger.Debugf("dispatching %s (owner %s, priority %s)", a.key, a.ownerID, a.priority)

		q.wg.Add(1)
		go q.execute(a)
	}
}

// next pops the highest ranked entry, blocking until one is available.
// The slot is reserved before popping so that the priority decision is
// made as late as possible
func (q *Queue[R]) next() (*queuedAction[R], bool) {
	for {
		q.mu.Lock()
		if a, ok := q.heap.Pop(); ok {
			a.ctx, a.cancel = context.WithCancel(q.ctx)
			q.running[a.key] = a
			q.mu.Unlock()
			return a, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.ctx.Done():
			return nil, false
		}
	}
}

// execute runs one action and settles its future
func (q *Queue[R]) execute(a *queuedAction[R]) {
	defer q.wg.Done()
	defer q.slots.Release(1)

	value, err := q.run(a)

	q.mu.Lock()
	delete(q.running, a.key)
	cancelled := a.cancelled
	q.mu.Unlock()
	a.cancel()

	if cancelled {
		cancelledTotal.Inc()
		a.future.Reject(qerr.Cancelled("queue", a.ctx.Err()))
		return
	}
	a.future.Settle(value, err)
}

// run invokes the action and converts a panic into an error
func (q *Queue[R]) run(a *queuedAction[R]) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("action %s panicked: %v", a.key, r)
			err = fmt.Errorf("queue: action %s panicked: %v", a.key, r)
		}
	}()
	return a.run(a.ctx)
}

// reject settles a removed, never dispatched entry with a Cancelled error
func (q *Queue[R]) reject(a *queuedAction[R], cause error) {
	cancelledTotal.Inc()
	queuedCount.Add(-1)
	a.future.Reject(qerr.Cancelled("queue", cause))
}
