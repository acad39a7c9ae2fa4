// Package rpc contains the client side query scheduling stack of qplex and the
// communication layer it runs on.
//
// The package is organized into several subpackages:
//
//   - common: Wire types (QueryDescriptor, BatchRequest, BatchEnvelope, WatchEvent),
//     configuration structures, logging and context helpers.
//
//   - transport: Network communication abstractions with pluggable implementations
//     (TCP, Unix sockets, HTTP). Every transport supports one-shot requests and
//     streamed responses.
//
//   - serializer: Batch request and envelope serialization (Binary, JSON, GOB).
//
//   - batcher: Coalesces queries issued within a short window into one batch.
//
//   - client: The streaming batch client and the QueryClient, which combines the
//     priority queue, the batcher and the batch client.
//
//   - stream: The resilient connection manager for long-lived change streams.
//
//   - server: The reference server, answering batch, single query and watch routes.
package rpc
