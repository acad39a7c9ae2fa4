// Package server implements the reference RPC server of qplex. It answers the
// routes consumed by the client packages and is used by the development server
// (qplex serve) and by tests.
//
// The package focuses on:
//   - Streaming batch responses, one envelope per answered query in completion order
//   - Single query routes as the REST fallback for non batchable queries
//   - The long-lived /watch change feed
//
// Key Components:
//
//   - IQueryEngine: executes a single query. Returning ErrSkipResponse leaves
//     the index unanswered, which allows exercising the client's liveness
//     guarantees.
//
//   - IWatchSource: feeds the /watch route. HeartbeatSource emits a heartbeat
//     every interval plus every published event.
//
//   - IRPCServerAdapter: one adapter per route family (batch, instances, watch),
//     created with NewBatchServerAdapter, NewQueryServerAdapter and
//     NewWatchServerAdapter.
//
//   - NewRPCServer: Factory function creating a configured server with the specified
//     transport, serializer, engine and watch source.
//
// Usage Example:
//
//	// Create server configuration
//	config := common.ServerConfig{
//	  Endpoint:      "0.0.0.0:8080",
//	  TimeoutSecond: 5,
//	  Metrics:       true,
//	  LogLevel:      "info",
//	}
//
//	// Create and start the server
//	s := server.NewRPCServer(
//	  config,
//	  http.NewHttpServerTransport(),
//	  serializer.NewJSONSerializer(),
//	  engine,
//	  server.NewHeartbeatSource(5*time.Second),
//	)
//
//	// Start the server
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// Thread Safety:
//
//	The server implementation is thread-safe and can handle concurrent requests
//	across multiple connections. Queries of one batch are executed concurrently,
//	so the engine must be safe for concurrent use.
//	The Serve method is not thread-safe and should be called only once.
package server
