// Package transport defines the interfaces and abstractions for RPC communication
// in qplex. It provides a common contract that all transport implementations
// must fulfill, enabling protocol-agnostic communication.
//
// Every request names a route (e.g. "/batch" or a single query path) and is
// answered with a stream of frames. One-shot routes answer with exactly one
// frame, the batch route with one frame per envelope and the watch route with
// an unbounded stream of change notifications.
//
// Key Components:
//
//   - IRPCClientTransport: Interface for client-side transport implementations that
//     handles connection management, one-shot requests and response streams.
//
//   - IRPCServerTransport: Interface for server-side transport implementations that
//     receives requests and hands them to a ServerHandleFunc.
//
//   - FrameFunc: callback receiving the frames of a response stream.
package transport
