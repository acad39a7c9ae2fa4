// Package client implements the RPC clients of qplex.
//
// Key Components:
//
//   - BatchClient: sends an explicit, heterogeneous list of queries as one
//     request to the /batch route and consumes the response stream of
//     envelopes. Each envelope carries the index of the query it answers, so
//     results may arrive in any order. Every future returned by Fetch settles
//     exactly once, also when the server drops an index (NoResponse), the
//     connection fails (Transport) or a caller cancels (Cancelled).
//     Fetch calls within BatchConfig.StreamWindowMillisecond share one request.
//
//   - QueryClient: the facade used by applications. Queries pass through a
//     priority queue (lib/queue), batchable kinds are coalesced by the batcher
//     (rpc/batcher) and sent with the BatchClient. Re-issuing a pending query
//     returns the pending future and raises its priority.
//
// Usage Example:
//
//	// Configure the client
//	config := common.DefaultClientConfig("localhost:8080")
//
//	// Create the client stack over http with the json serializer
//	qc, _ := client.NewQueryClient(config, http.NewHttpClientTransport(), serializer.NewJSONSerializer())
//	defer qc.Close()
//
//	// Schedule a query for a dashboard panel
//	f, _ := qc.Query(ctx, "panel-1", common.QueryDescriptor{
//		Kind:     common.QueryTopK,
//		Instance: "default",
//		Table:    "orders",
//		Column:   "country",
//	}, queue.PriorityUnset)
//	result, err := f.Await(ctx)
//
//	// The panel became visible, dispatch its queries first
//	qc.Focus("panel-1", queue.PriorityActiveEntity)
//
// Cancellation:
//
//	A batch request is cancelled as soon as the context of any caller taking
//	part in it is cancelled, all its unsettled futures then settle with a
//	cancellation error. Cancellations are never user visible errors, see
//	qerr.IsUserVisible.
//
// Thread Safety:
//
//	All client implementations are thread-safe and can be used concurrently from
//	multiple goroutines without additional synchronization.
package client
