// Package unix implements a transport layer for the qplex RPC system using Unix
// domain sockets. It provides optimized communication for a client and a query
// server running on the same machine.
//
// This package extends the base transport layer with Unix socket-specific connectors
// while inheriting request multiplexing, streaming and reconnection handling from the
// base package.
//
// Key Components:
//
//   - clientConnector: Establishes connections using Unix domain sockets
//
//   - serverConnector: Creates Unix socket listeners and accepts connections
//
// The default server buffer size is 64 KB, optimized for local communication patterns.
package unix
