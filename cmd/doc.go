// Package cmd implements the command-line interface of qplex. It provides a
// hierarchical command structure with operations for running the reference
// server and for talking to it as a client.
//
// The package is organized into several subpackages:
//
//   - query: Client commands (profile, batch, watch, perf)
//   - serve: Starts the reference server with a synthetic query engine
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// All flags can also be set with environment variables prefixed with QPLEX_
// (e.g. QPLEX_BATCH_WINDOW=50), .env and .env.local files are loaded on start.
//
// See qplex -help for a list of all commands.
package cmd
