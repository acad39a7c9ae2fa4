package batcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/qplex/lib/future"
	"github.com/ValentinKolb/qplex/lib/qerr"
	"github.com/ValentinKolb/qplex/lib/queue"
	"github.com/ValentinKolb/qplex/rpc/common"
)

// fakeFetcher records all calls and answers every query with "<op>:<index>"
type fakeFetcher struct {
	mu      sync.Mutex
	calls   [][]common.BatchQuery
	callAt  []time.Time
	doCalls []common.QueryDescriptor

	fail   error         // if set every Fetch fails with a transport error
	block  bool          // if set futures only settle when ctx is cancelled
	manual bool          // if set futures are left to the test, see resolve
	doGate chan struct{} // if set Do waits until it is closed

	ctxs    []context.Context
	futures [][]*future.Future[json.RawMessage]
}

func (f *fakeFetcher) Fetch(ctx context.Context, queries []common.BatchQuery) []*future.Future[json.RawMessage] {
	f.mu.Lock()
	f.calls = append(f.calls, queries)
	f.callAt = append(f.callAt, time.Now())
	f.ctxs = append(f.ctxs, ctx)
	f.mu.Unlock()

	futures := make([]*future.Future[json.RawMessage], len(queries))
	for i, q := range queries {
		switch {
		case f.manual:
			futures[i] = future.New[json.RawMessage]()
		case f.fail != nil:
			futures[i] = future.Rejected[json.RawMessage](qerr.Transport("fake", f.fail))
		case f.block:
			fut := future.New[json.RawMessage]()
			context.AfterFunc(ctx, func() { fut.Reject(qerr.Cancelled("fake", ctx.Err())) })
			futures[i] = fut
		default:
			futures[i] = future.Resolved(json.RawMessage(fmt.Sprintf(`"%s:%d"`, q.Op, i)))
		}
	}
	f.mu.Lock()
	f.futures = append(f.futures, futures)
	f.mu.Unlock()
	return futures
}

// resolve settles index i of call n of a manual fetcher
func (f *fakeFetcher) resolve(n, i int) {
	f.mu.Lock()
	fut := f.futures[n][i]
	f.mu.Unlock()
	fut.Resolve(json.RawMessage(fmt.Sprintf(`"manual:%d"`, i)))
}

// resolveAll settles every open future of a manual fetcher
func (f *fakeFetcher) resolveAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, futures := range f.futures {
		for _, fut := range futures {
			fut.Reject(errors.New("test finished"))
		}
	}
}

// callCtx returns the context of call n
func (f *fakeFetcher) callCtx(n int) context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctxs[n]
}

func (f *fakeFetcher) Do(ctx context.Context, query common.QueryDescriptor) (json.RawMessage, error) {
	f.mu.Lock()
	f.doCalls = append(f.doCalls, query)
	f.mu.Unlock()

	if f.doGate != nil {
		select {
		case <-f.doGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return json.RawMessage(`"rest"`), nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// waitForCalls waits until the fetcher received n calls
func waitForCalls(t *testing.T, f *fakeFetcher, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for f.callCount() < n && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if f.callCount() < n {
		t.Fatalf("expected %d calls, got %d", n, f.callCount())
	}
}

func columnQuery(kind common.QueryKind, table, column string) common.QueryDescriptor {
	return common.QueryDescriptor{Kind: kind, Instance: "default", Table: table, Column: column}
}

func await(t *testing.T, f *future.Future[json.RawMessage]) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return f.Await(ctx)
}

// TestCoalescing tests that calls within one window produce one Fetch
func TestCoalescing(t *testing.T) {
	fetcher := &fakeFetcher{}
	b := New(common.BatchConfig{WindowMillisecond: 50}, fetcher)
	defer b.Close()

	var futures []*future.Future[json.RawMessage]
	for i := 0; i < 5; i++ {
		futures = append(futures, b.Submit(context.Background(), columnQuery(common.QueryNullCount, "t", fmt.Sprintf("c%d", i)), queue.PriorityUnset))
	}
	for i, f := range futures {
		if _, err := await(t, f); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}

	if n := fetcher.callCount(); n != 1 {
		t.Errorf("expected 1 physical call, got %d", n)
	}
	if len(fetcher.calls[0]) != 5 {
		t.Errorf("expected 5 sub requests, got %d", len(fetcher.calls[0]))
	}
}

// TestGaps tests that calls separated by more than one window are sent separately
func TestGaps(t *testing.T) {
	fetcher := &fakeFetcher{}
	b := New(common.BatchConfig{WindowMillisecond: 10}, fetcher)
	defer b.Close()

	for i := 0; i < 3; i++ {
		f := b.Submit(context.Background(), columnQuery(common.QueryCardinality, "t", "c"), queue.PriorityUnset)
		if _, err := await(t, f); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if n := fetcher.callCount(); n != 3 {
		t.Errorf("expected 3 physical calls, got %d", n)
	}
}

// TestProfilingScenario tests three profiling calls for one table issued
// within 50ms with mixed priorities
func TestProfilingScenario(t *testing.T) {
	fetcher := &fakeFetcher{}
	b := New(common.BatchConfig{WindowMillisecond: 100}, fetcher)
	defer b.Close()

	kinds := []common.QueryKind{common.QueryTopK, common.QueryNullCount, common.QueryCardinality}
	priorities := []queue.Priority{queue.PriorityInactiveEntity, queue.PriorityActiveEntity, queue.PriorityActiveEntity}

	start := time.Now()
	futures := make([]*future.Future[json.RawMessage], len(kinds))
	for i := range kinds {
		futures[i] = b.Submit(context.Background(), columnQuery(kinds[i], "T", "price"), priorities[i])
		time.Sleep(10 * time.Millisecond)
	}

	for i, f := range futures {
		res, err := await(t, f)
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		want := fmt.Sprintf(`"%s:%d"`, Routes[kinds[i]].Op, i)
		if string(res) != want {
			t.Errorf("caller %d got %s, want %s", i, res, want)
		}
	}

	if n := fetcher.callCount(); n != 1 {
		t.Fatalf("expected exactly 1 physical call, got %d", n)
	}
	if elapsed := fetcher.callAt[0].Sub(start); elapsed < 90*time.Millisecond {
		t.Errorf("batch was sent after %s, expected about one window", elapsed)
	}

	batch := fetcher.calls[0]
	if len(batch) != 3 {
		t.Fatalf("expected 3 sub requests, got %d", len(batch))
	}
	for i, q := range batch {
		if q.Op != Routes[kinds[i]].Op {
			t.Errorf("sub request %d has op %s", i, q.Op)
		}
		if q.Query.Table != "T" {
			t.Errorf("sub request %d targets table %s", i, q.Query.Table)
		}
		if q.Query.Priority != int(priorities[i]) {
			t.Errorf("sub request %d has priority %d, want %d", i, q.Query.Priority, priorities[i])
		}
	}
}

// TestDefaultPriority tests that unset priorities are taken from the route table
func TestDefaultPriority(t *testing.T) {
	fetcher := &fakeFetcher{}
	b := New(common.BatchConfig{WindowMillisecond: 5}, fetcher)
	defer b.Close()

	f := b.Submit(context.Background(), columnQuery(common.QuerySmallestTimeGrain, "t", "ts"), queue.PriorityUnset)
	if _, err := await(t, f); err != nil {
		t.Fatal(err)
	}
	if got := fetcher.calls[0][0].Query.Priority; got != int(queue.PriorityBackground) {
		t.Errorf("expected background priority, got %d", got)
	}
}

// TestIsolation tests that a non batchable query does not delay batchable ones
func TestIsolation(t *testing.T) {
	fetcher := &fakeFetcher{doGate: make(chan struct{})}
	b := New(common.BatchConfig{WindowMillisecond: 10}, fetcher)

	bypass := b.Submit(context.Background(), common.QueryDescriptor{
		Kind: common.QueryMetricsAggregation, Instance: "default", Table: "metrics",
	}, queue.PriorityUnset)
	batched := b.Submit(context.Background(), columnQuery(common.QueryTopK, "t", "c"), queue.PriorityUnset)

	if _, err := await(t, batched); err != nil {
		t.Fatalf("batched call failed: %v", err)
	}
	if bypass.IsSettled() {
		t.Fatal("bypass call settled before it was released")
	}
	if len(fetcher.calls[0]) != 1 {
		t.Errorf("bypass query ended up in the batch")
	}

	close(fetcher.doGate)
	res, err := await(t, bypass)
	if err != nil || string(res) != `"rest"` {
		t.Errorf("unexpected bypass result %s, %v", res, err)
	}
	b.Close()
}

// TestTransportFailure tests that a failing batch rejects all its callers
func TestTransportFailure(t *testing.T) {
	fetcher := &fakeFetcher{fail: errors.New("connection refused")}
	b := New(common.BatchConfig{WindowMillisecond: 5}, fetcher)
	defer b.Close()

	f1 := b.Submit(context.Background(), columnQuery(common.QueryTopK, "t", "a"), queue.PriorityUnset)
	f2 := b.Submit(context.Background(), columnQuery(common.QueryTopK, "t", "b"), queue.PriorityUnset)

	for _, f := range []*future.Future[json.RawMessage]{f1, f2} {
		if _, err := await(t, f); !errors.Is(err, qerr.ErrTransport) {
			t.Errorf("expected transport error, got %v", err)
		}
	}
}

// TestMaxBatchSize tests that large flushes are split
func TestMaxBatchSize(t *testing.T) {
	fetcher := &fakeFetcher{}
	b := New(common.BatchConfig{WindowMillisecond: 1000, MaxBatchSize: 2}, fetcher)
	defer b.Close()

	var futures []*future.Future[json.RawMessage]
	for i := 0; i < 5; i++ {
		futures = append(futures, b.Submit(context.Background(), columnQuery(common.QueryTopK, "t", fmt.Sprintf("c%d", i)), queue.PriorityUnset))
	}
	b.Flush()

	for i, f := range futures {
		res, err := await(t, f)
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		// indices restart in every chunk
		if want := fmt.Sprintf(`"ColumnTopK:%d"`, i%2); string(res) != want {
			t.Errorf("call %d got %s, want %s", i, res, want)
		}
	}
	if n := fetcher.callCount(); n != 3 {
		t.Errorf("expected 3 chunks, got %d", n)
	}
}

// TestCancelUnion tests that cancelling one caller cancels its whole batch
func TestCancelUnion(t *testing.T) {
	fetcher := &fakeFetcher{block: true}
	b := New(common.BatchConfig{WindowMillisecond: 5}, fetcher)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f1 := b.Submit(ctx, columnQuery(common.QueryTopK, "t", "a"), queue.PriorityUnset)
	f2 := b.Submit(context.Background(), columnQuery(common.QueryTopK, "t", "b"), queue.PriorityUnset)

	// wait for the flush, then cancel the first caller
	deadline := time.Now().Add(time.Second)
	for fetcher.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	for i, f := range []*future.Future[json.RawMessage]{f1, f2} {
		_, err := await(t, f)
		if !errors.Is(err, qerr.ErrCancelled) {
			t.Errorf("caller %d: expected cancellation, got %v", i, err)
		}
		if qerr.IsUserVisible(err) {
			t.Errorf("caller %d: cancellation must not be user visible", i)
		}
	}
}

// TestOutOfOrderResults tests that a result is delivered even if an earlier index is still pending
func TestOutOfOrderResults(t *testing.T) {
	fetcher := &fakeFetcher{manual: true}
	b := New(common.BatchConfig{WindowMillisecond: 5}, fetcher)
	defer b.Close()
	defer fetcher.resolveAll()

	first := b.Submit(context.Background(), columnQuery(common.QueryTopK, "t", "a"), queue.PriorityUnset)
	second := b.Submit(context.Background(), columnQuery(common.QueryTopK, "t", "b"), queue.PriorityUnset)
	waitForCalls(t, fetcher, 1)

	fetcher.resolve(0, 1)
	res, err := await(t, second)
	if err != nil || string(res) != `"manual:1"` {
		t.Fatalf("unexpected result %s, %v", res, err)
	}
	if first.IsSettled() {
		t.Fatal("first caller settled without a result")
	}

	fetcher.resolve(0, 0)
	if _, err := await(t, first); err != nil {
		t.Errorf("first caller failed: %v", err)
	}
}

// TestCancelAfterResult tests that a caller whose context ends after its result does not cancel the others
func TestCancelAfterResult(t *testing.T) {
	fetcher := &fakeFetcher{manual: true}
	b := New(common.BatchConfig{WindowMillisecond: 5}, fetcher)
	defer b.Close()
	defer fetcher.resolveAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := b.Submit(ctx, columnQuery(common.QueryTopK, "t", "a"), queue.PriorityUnset)
	second := b.Submit(context.Background(), columnQuery(common.QueryTopK, "t", "b"), queue.PriorityUnset)
	waitForCalls(t, fetcher, 1)

	fetcher.resolve(0, 0)
	if _, err := await(t, first); err != nil {
		t.Fatalf("first caller failed: %v", err)
	}
	cancel()
	time.Sleep(20 * time.Millisecond)

	if err := fetcher.callCtx(0).Err(); err != nil {
		t.Fatalf("batch was cancelled by a caller that already had its result: %v", err)
	}
	fetcher.resolve(0, 1)
	if _, err := await(t, second); err != nil {
		t.Errorf("second caller failed: %v", err)
	}
}

// TestClose tests that Close flushes pending calls and rejects new ones
func TestClose(t *testing.T) {
	fetcher := &fakeFetcher{}
	b := New(common.BatchConfig{WindowMillisecond: 10000}, fetcher)

	f := b.Submit(context.Background(), columnQuery(common.QueryTopK, "t", "c"), queue.PriorityUnset)
	if b.Pending() != 1 {
		t.Fatalf("expected 1 pending call, got %d", b.Pending())
	}
	b.Close()

	if !f.IsSettled() {
		t.Fatal("pending call was not settled by Close")
	}
	if _, err := await(t, f); err != nil {
		t.Errorf("pending call failed: %v", err)
	}

	late := b.Submit(context.Background(), columnQuery(common.QueryTopK, "t", "c"), queue.PriorityUnset)
	if _, err := await(t, late); !errors.Is(err, qerr.ErrCancelled) {
		t.Errorf("expected cancellation after close, got %v", err)
	}
}

// TestInvalidQuery tests that invalid descriptors are rejected without a network call
func TestInvalidQuery(t *testing.T) {
	fetcher := &fakeFetcher{}
	b := New(common.BatchConfig{WindowMillisecond: 5}, fetcher)
	defer b.Close()

	_, err := b.Do(context.Background(), common.QueryDescriptor{Kind: common.QueryTopK}, queue.PriorityUnset)
	if err == nil {
		t.Fatal("expected an error for a query without instance and table")
	}
	if fetcher.callCount() != 0 {
		t.Error("invalid query reached the fetcher")
	}
}
