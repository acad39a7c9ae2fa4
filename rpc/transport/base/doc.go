// Package base provides a foundation for the socket based transport layers of qplex,
// implementing the framed, multiplexed RPC protocol independent of the specific
// network protocol (TCP, Unix sockets, etc.). It serves as a base layer that can be
// extended with protocol-specific connectors.
//
// Wire format:
//
//	header: requestID (uint64) | kind (uint8) | length (uint32), big endian
//	request payload: routeLen (uint16) | route | body
//
// A client opens a request with a request frame. The server answers with any
// number of data frames followed by exactly one end or error frame. A client
// may abort a running request with a cancel frame, which cancels the handler's
// context. Many requests run concurrently over one connection, frames are
// correlated by request id.
//
// Key Components:
//
//   - IClientConnector/IServerConnector: Interfaces for protocol-specific operations
//     that allow extending the base transport with different network protocols.
//
//   - clientTransport: Core client implementation that manages multiple connections
//     with round-robin load balancing. A reader goroutine per connection
//     demultiplexes frames to the waiting requests. Lost connections fail all
//     in flight requests and are re-established with exponential backoff.
//
//   - serverTransport: Core server implementation that accepts connections and
//     runs the registered handler per request with a bounded number of workers
//     per connection.
//
// Performance Optimizations:
//
//   - Connection Pooling: Multiple connections per endpoint improve throughput
//     for high-load scenarios.
//
//   - Buffer Pooling: The server uses a sync.Pool to reuse read buffers, reducing
//     GC pressure and memory allocations.
//
//   - Frame Batching: The transport uses net.Buffers to reduce syscalls when
//     writing frames, combining header and payload into a single write operation.
//
// Thread Safety:
//
//	All public methods are thread-safe. Writes are serialized per connection,
//	reads happen on a dedicated goroutine per connection.
package base
