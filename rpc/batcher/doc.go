// Package batcher coalesces small profiling queries into batch requests.
//
// Every query kind listed in Routes is buffered for a short window
// (BatchConfig.WindowMillisecond). The window starts with the first query after
// a flush and is never extended, so a buffered query waits at most one window.
// When it elapses the buffer is drained and sent with a single Fetch call, the
// results are routed back to the callers by their position in the batch.
// Kinds without a route are executed directly through Fetcher.Do and never
// wait for a window.
//
// The priority of a query is carried inside its sub request. It is used by the
// server to order work, it does not change which batch a query ends up in.
//
// Usage:
//
//	b := batcher.New(config.Batch, batchClient)
//	defer b.Close()
//
//	res, err := b.Do(ctx, common.QueryDescriptor{
//		Kind:     common.QueryTopK,
//		Instance: "default",
//		Table:    "orders",
//		Column:   "country",
//	}, queue.PriorityActiveEntity)
//
// Cancellation:
//
//	A batch is sent with a context that is cancelled as soon as the context of
//	any caller in it is cancelled. All callers of that batch then settle with
//	a cancellation error.
package batcher
