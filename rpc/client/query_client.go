package client

import (
	"context"
	"encoding/json"

	"github.com/ValentinKolb/qplex/lib/future"
	"github.com/ValentinKolb/qplex/lib/qerr"
	"github.com/ValentinKolb/qplex/lib/queue"
	"github.com/ValentinKolb/qplex/rpc/batcher"
	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/serializer"
	"github.com/ValentinKolb/qplex/rpc/transport"
)

// NewQueryClient creates the full client stack: a priority queue feeding a
// batcher that sends its batches with a BatchClient over transport
func NewQueryClient(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*QueryClient, error) {
	batchClient, err := NewBatchClient(config, transport, serializer)
	if err != nil {
		return nil, err
	}

	return &QueryClient{
		batch:   batchClient,
		batcher: batcher.New(config.Batch, batchClient),
		queue:   queue.New[json.RawMessage](queue.Config{Workers: config.Queue.Workers}),
	}, nil
}

// QueryClient schedules queries by priority, coalesces batchable ones and
// streams the results back to the callers
type QueryClient struct {
	batch   *BatchClient
	batcher *batcher.Batcher
	queue   *queue.Queue[json.RawMessage]
}

// Query schedules query for ownerID. If the same query is already pending its
// priority is raised to priority (if higher) and the existing future is returned.
// An unset priority falls back to the default of the query kind
func (c *QueryClient) Query(ctx context.Context, ownerID string, query common.QueryDescriptor, priority queue.Priority) (*future.Future[json.RawMessage], error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	priority = priority.Or(defaultPriority(query.Kind))
	key := query.Key()

	for {
		if entry, f, ok := c.queue.Lookup(key); ok {
			if !entry.Running && priority > entry.Priority {
				c.queue.UpdatePriority(key, priority)
			}
			return f, nil
		}

		f, err := c.queue.Enqueue(ownerID, key, priority, func(actionCtx context.Context) (json.RawMessage, error) {
			// the action is cancelled by the queue or by the caller
			runCtx, stop := common.MergeContexts(ctx, actionCtx)
			defer stop()
			return c.batcher.Do(runCtx, query, priority)
		})
		if qerr.KindOf(err) == qerr.KindDuplicate {
			// enqueued concurrently, the lookup returns the winner
			continue
		}
		return f, err
	}
}

// Focus changes the priority of all queued queries of ownerID, e.g. when the
// entity becomes visible. Returns the number of changed queries
func (c *QueryClient) Focus(ownerID string, priority queue.Priority) int {
	return c.queue.UpdateOwnerPriority(ownerID, priority)
}

// Forget cancels all queued queries of ownerID. Returns the number of cancelled queries
func (c *QueryClient) Forget(ownerID string) int {
	return c.queue.ClearQueue(ownerID)
}

// Fetch sends queries as one batch, bypassing queue and batcher
func (c *QueryClient) Fetch(ctx context.Context, queries []common.BatchQuery) []*future.Future[json.RawMessage] {
	return c.batch.Fetch(ctx, queries)
}

// Progress returns the progress of the underlying batch client
func (c *QueryClient) Progress() (completed, total int) {
	return c.batch.Progress()
}

// OnProgress registers a progress callback on the underlying batch client
func (c *QueryClient) OnProgress(fn ProgressFunc) {
	c.batch.OnProgress(fn)
}

// Pending returns the number of queued and running queries
func (c *QueryClient) Pending() int {
	return c.queue.Len() + c.queue.Running()
}

// Close cancels all queued queries, then closes batcher, batch client and transport
func (c *QueryClient) Close() error {
	_ = c.queue.Close()
	c.batcher.Close()
	return c.batch.Close()
}

// defaultPriority returns the priority used for queries without a priority
func defaultPriority(kind common.QueryKind) queue.Priority {
	if route, ok := batcher.Lookup(kind); ok {
		return route.DefaultPriority
	}
	return queue.PriorityInactiveEntity
}
