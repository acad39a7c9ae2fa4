package batcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/qplex/lib/future"
	"github.com/ValentinKolb/qplex/lib/qerr"
	"github.com/ValentinKolb/qplex/lib/queue"
	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("batcher")

var (
	flushesTotal = metrics.GetOrCreateCounter("qplex_batcher_flushes_total")
	bypassTotal  = metrics.GetOrCreateCounter("qplex_batcher_bypass_total")
	batchedTotal = metrics.GetOrCreateCounter("qplex_batcher_batched_total")
)

var errClosed = errors.New("batcher closed")

const op = "batcher"

// Fetcher performs the network calls of the batcher
type Fetcher interface {
	// Fetch sends queries as one batch and returns one future per query.
	// It must not block and every future must eventually settle
	Fetch(ctx context.Context, queries []common.BatchQuery) []*future.Future[json.RawMessage]

	// Do executes a single query outside of a batch
	Do(ctx context.Context, query common.QueryDescriptor) (json.RawMessage, error)
}

// pending is one buffered call
type pending struct {
	query  common.BatchQuery
	ctx    context.Context
	future *future.Future[json.RawMessage]
}

// Batcher coalesces batchable queries issued within one window into one Fetch call
type Batcher struct {
	config  common.BatchConfig
	fetcher Fetcher

	mu     sync.Mutex
	buffer []*pending
	timer  *time.Timer
	gen    uint64 // incremented on every drain, stale timers compare against it
	closed bool

	wg sync.WaitGroup // running flushes and bypass calls
}

// New creates a new Batcher
func New(config common.BatchConfig, fetcher Fetcher) *Batcher {
	return &Batcher{
		config:  config,
		fetcher: fetcher,
	}
}

// Submit adds query to the current batch and returns its future.
// Queries whose kind has no route bypass batching and are executed directly.
// If priority is unset the default of the route is used
func (b *Batcher) Submit(ctx context.Context, query common.QueryDescriptor, priority queue.Priority) *future.Future[json.RawMessage] {
	if err := ctx.Err(); err != nil {
		return future.Rejected[json.RawMessage](qerr.Cancelled(op, err))
	}
	if err := query.Validate(); err != nil {
		return future.Rejected[json.RawMessage](fmt.Errorf("invalid query: %w", err))
	}

	f := future.New[json.RawMessage]()
	route, batchable := Lookup(query.Kind)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		f.Reject(qerr.Cancelled(op, errClosed))
		return f
	}

	if !batchable {
		b.wg.Add(1)
		b.mu.Unlock()

		bypassTotal.Inc()
		Logger.Debugf("Query %s is not batchable, sending it directly", query.Key())
		go func() {
			defer b.wg.Done()
			f.Settle(b.fetcher.Do(ctx, query))
		}()
		return f
	}

	query.Priority = int(priority.Or(route.DefaultPriority))
	b.buffer = append(b.buffer, &pending{
		query:  common.BatchQuery{Op: route.Op, Query: query},
		ctx:    ctx,
		future: f,
	})

	// the window starts with the first call after a flush and is never extended
	var items []*pending
	if b.config.Window() <= 0 {
		items = b.drainLocked()
	} else if b.timer == nil {
		gen := b.gen
		b.timer = time.AfterFunc(b.config.Window(), func() { b.flushWindow(gen) })
	}
	b.mu.Unlock()

	b.send(items)
	return f
}

// Do submits query and waits for its result
func (b *Batcher) Do(ctx context.Context, query common.QueryDescriptor, priority queue.Priority) (json.RawMessage, error) {
	res, err := b.Submit(ctx, query, priority).Await(ctx)

	// Await stopped waiting because of ctx, report it like any other cancellation
	var classified *qerr.Error
	if err != nil && ctx.Err() != nil && !errors.As(err, &classified) {
		return nil, qerr.Cancelled(op, err)
	}
	return res, err
}

// Flush sends the current buffer immediately
func (b *Batcher) Flush() {
	b.mu.Lock()
	items := b.drainLocked()
	b.mu.Unlock()

	b.send(items)
}

// Pending returns the number of buffered calls
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Close flushes the buffer and waits until all calls are settled.
// Later calls to Submit are rejected with a cancellation error
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	items := b.drainLocked()
	b.mu.Unlock()

	b.send(items)
	b.wg.Wait()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// flushWindow is called by the window timer of generation gen
func (b *Batcher) flushWindow(gen uint64) {
	b.mu.Lock()
	if b.gen != gen {
		// the buffer of this window was already drained by Flush
		b.mu.Unlock()
		return
	}
	items := b.drainLocked()
	b.mu.Unlock()

	b.send(items)
}

// drainLocked takes the buffer and disarms the timer. b.mu must be held
func (b *Batcher) drainLocked() []*pending {
	items := b.buffer
	b.buffer = nil
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return items
}

// send issues one Fetch per chunk and demultiplexes the results by position
func (b *Batcher) send(items []*pending) {
	if len(items) == 0 {
		return
	}

	flushesTotal.Inc()
	batchedTotal.Add(len(items))

	chunkSize := len(items)
	if b.config.MaxBatchSize > 0 && b.config.MaxBatchSize < chunkSize {
		chunkSize = b.config.MaxBatchSize
	}

	for start := 0; start < len(items); start += chunkSize {
		chunk := items[start:min(start+chunkSize, len(items))]

		// cancelling a caller that still waits cancels the whole chunk
		scope := common.NewCancelScope()
		queries := make([]common.BatchQuery, len(chunk))
		leaves := make([]func(), len(chunk))
		for i, p := range chunk {
			queries[i] = p.query
			leaves[i] = scope.Join(p.ctx)
		}

		Logger.Debugf("Flushing batch of %d queries", len(queries))
		futures := b.fetcher.Fetch(scope.Context(), queries)

		// every result is forwarded on its own, a slow index does not hold back the others
		var forwards sync.WaitGroup
		for i, p := range chunk {
			forwards.Add(1)
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				defer forwards.Done()
				if i >= len(futures) {
					leaves[i]()
					p.future.Reject(qerr.NoResponse(op, i))
					return
				}
				value, err := futures[i].Await(context.Background())
				leaves[i]()
				p.future.Settle(value, err)
			}()
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			forwards.Wait()
			scope.Close()
		}()
	}
}
