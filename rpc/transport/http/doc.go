// Package http implements an HTTP based transport layer of the qplex RPC
// system. It provides implementations of the transport interfaces defined in
// the parent package on top of net/http.
//
// Every frame is written as one line of newline delimited JSON (NDJSON) and
// flushed immediately, so a response body is a stream of frames. Frames must
// therefore not contain newlines, which is why this transport is only used
// together with the json serializer.
//
// Key Components:
//
//   - httpClientTransport: Implements IRPCClientTransport. Requests are sent
//     to the configured endpoints in round-robin order and retried until a
//     response was received. Requests with a body are sent as POST, all
//     others as GET. A non 200 status is reported as transport.RemoteError.
//
//   - httpServerTransport: Implements IRPCServerTransport. Every route is handed
//     to the registered handler with its path and query string. If the handler
//     fails before the first frame a 500 is returned, later failures abort the
//     response so the client sees a broken stream instead of a clean end.
//     When enabled, /metrics exposes the process metrics.
//
// Thread Safety:
//
//	The client transport is thread-safe and can be used concurrently. It uses
//	atomic operations for the round-robin counter.
package http
