package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/qplex/lib/future"
	"github.com/ValentinKolb/qplex/lib/qerr"
	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/serializer"
	"github.com/ValentinKolb/qplex/rpc/transport"
	"github.com/google/uuid"
)

var errClientClosed = errors.New("batch client closed")

// ProgressFunc is called after every settled query with the aggregate progress
type ProgressFunc func(completed, total int)

// NewBatchClient creates a new streaming batch client
// The function takes a config, a transport and a serializer as parameters.
// The transport is connected with the given config
func NewBatchClient(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*BatchClient, error) {

	// Connect the transport
	err := transport.Connect(config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect transport: %w", err)
	}

	// Create a new batch client
	return &BatchClient{
		rpcClientAdapter: rpcClientAdapter{
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
	}, nil
}

// BatchClient sends heterogeneous query lists as one streamed batch request and
// settles one future per query as the envelopes arrive
type BatchClient struct {
	rpcClientAdapter

	mu         sync.Mutex
	window     *operation // operation collecting Fetch calls, only used with a stream window
	completed  int
	total      int
	onProgress ProgressFunc
	closed     bool

	wg sync.WaitGroup // running operations
}

// call is one query of an operation
type call struct {
	query  common.BatchQuery
	future *future.Future[json.RawMessage]
	group  *group
}

// group holds the calls of one Fetch call. The group takes part in the
// cancellation of its operation until all its calls are settled
type group struct {
	ctx       context.Context
	remaining atomic.Int32
	leave     func()
}

// operation is one network request carrying the calls of one or more Fetch calls
type operation struct {
	calls  []*call
	groups []*group
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// Fetch sends queries as one batch and returns one future per query in the same order.
// Every future settles exactly once: with its result, with a query error reported
// by the server, or with a NoResponse, Transport or Cancelled error.
// Fetch does not block
func (c *BatchClient) Fetch(ctx context.Context, queries []common.BatchQuery) []*future.Future[json.RawMessage] {
	g := &group{ctx: ctx, leave: func() {}}
	g.remaining.Store(int32(len(queries)))
	futures := make([]*future.Future[json.RawMessage], len(queries))
	calls := make([]*call, len(queries))
	for i, q := range queries {
		futures[i] = future.New[json.RawMessage]()
		calls[i] = &call{query: q, future: futures[i], group: g}
	}
	if len(queries) == 0 {
		return futures
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		for _, cl := range calls {
			cl.future.Reject(qerr.Cancelled("batch", errClientClosed))
		}
		return futures
	}

	// a new wave of work starts a new progress count
	if c.completed == c.total {
		c.completed, c.total = 0, 0
	}
	c.total += len(calls)
	notify := c.progressLocked()

	window := c.config.Batch.StreamWindow()
	if window <= 0 {
		c.startLocked(&operation{calls: calls, groups: []*group{g}})
		c.mu.Unlock()
		notify()
		return futures
	}

	if c.window == nil {
		op := &operation{}
		c.window = op
		time.AfterFunc(window, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.window == op {
				c.window = nil
				c.startLocked(op)
			}
		})
	}
	c.window.calls = append(c.window.calls, calls...)
	c.window.groups = append(c.window.groups, g)
	c.mu.Unlock()
	notify()

	return futures
}

// Do executes a single query on its REST route, without batching
func (c *BatchClient) Do(ctx context.Context, query common.QueryDescriptor) (json.RawMessage, error) {
	return invokeQueryRequest(ctx, query, c.transport, c.serializer)
}

// Progress returns the completed and total number of queries of the current wave.
// A wave ends when all its queries are settled, the next Fetch starts a new one
func (c *BatchClient) Progress() (completed, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed, c.total
}

// OnProgress registers fn to be called after every change of the progress.
// fn is called from the goroutine that changed the progress
func (c *BatchClient) OnProgress(fn ProgressFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProgress = fn
}

// Close sends a pending window, waits for all operations and closes the transport
func (c *BatchClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.window != nil {
		c.startLocked(c.window)
		c.window = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
	return c.transport.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// startLocked runs op in its own goroutine. c.mu must be held
func (c *BatchClient) startLocked(op *operation) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(op)
	}()
}

// run sends one batch request and demultiplexes the envelope stream
func (c *BatchClient) run(op *operation) {
	// cancelling a caller with unsettled queries cancels the whole request
	scope := common.NewCancelScope()
	defer scope.Close()
	for _, g := range op.groups {
		g.leave = scope.Join(g.ctx)
	}
	ctx := scope.Context()

	req := common.BatchRequest{
		RequestID: uuid.NewString(),
		Queries:   make([]common.BatchQuery, len(op.calls)),
	}
	for i, cl := range op.calls {
		req.Queries[i] = cl.query
	}

	n := len(op.calls)
	seen := make([]bool, n)

	reqBytes, err := c.serializer.SerializeRequest(req)
	if err == nil {
		Logger.Debugf("Sending batch %s with %d queries", req.RequestID, n)
		err = c.transport.Stream(ctx, common.RouteBatch, reqBytes, func(frame []byte) error {
			env := common.BatchEnvelope{}
			if err := c.serializer.DeserializeEnvelope(frame, &env); err != nil {
				Logger.Warningf("Ignoring undecodable envelope of batch %s: %v", req.RequestID, err)
				return nil
			}
			if err := env.Validate(n); err != nil {
				Logger.Warningf("Ignoring invalid envelope of batch %s: %v", req.RequestID, err)
				return nil
			}
			if seen[env.Index] {
				Logger.Warningf("Ignoring duplicate envelope %d of batch %s", env.Index, req.RequestID)
				return nil
			}
			seen[env.Index] = true

			if env.IsError() {
				c.settle(op.calls[env.Index], nil, qerr.Query("batch", env.Error))
			} else {
				c.settle(op.calls[env.Index], env.Result, nil)
			}
			return nil
		})
	} else {
		err = fmt.Errorf("failed to serialize batch request: %w", err)
	}

	// every index without an envelope is settled now
	missing := 0
	for i, cl := range op.calls {
		if seen[i] {
			continue
		}
		missing++
		switch {
		case ctx.Err() != nil:
			c.settle(cl, nil, qerr.Cancelled("batch", context.Cause(ctx)))
		case err != nil:
			c.settle(cl, nil, qerr.Transport("batch", err))
		default:
			c.settle(cl, nil, qerr.NoResponse("batch", i))
		}
	}

	if err != nil && ctx.Err() == nil {
		Logger.Errorf("Batch %s failed, %d of %d queries unanswered: %v", req.RequestID, missing, n, err)
	} else if missing > 0 && ctx.Err() == nil {
		Logger.Warningf("Batch %s ended without a response for %d of %d queries", req.RequestID, missing, n)
	}
}

// settle settles the future of cl and updates the progress
func (c *BatchClient) settle(cl *call, value json.RawMessage, err error) {
	if cl.future.IsSettled() {
		return
	}
	// the group leaves before its last future settles
	if cl.group.remaining.Add(-1) == 0 {
		cl.group.leave()
	}
	if !cl.future.Settle(value, err) {
		return
	}

	c.mu.Lock()
	c.completed++
	notify := c.progressLocked()
	c.mu.Unlock()

	notify()
}

// progressLocked captures the progress and returns a function reporting it to
// the callback, to be called once c.mu is released. c.mu must be held
func (c *BatchClient) progressLocked() func() {
	fn, completed, total := c.onProgress, c.completed, c.total
	if fn == nil {
		return func() {}
	}
	return func() { fn(completed, total) }
}
