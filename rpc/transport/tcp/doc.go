// Package tcp implements the TCP socket based transport of the qplex RPC system.
// It provides concrete implementations of the base package's connector
// interfaces for TCP connections.
//
// This package builds on the base package's framed transport, inheriting its
// request multiplexing, streaming, buffer reuse and reconnection handling. See
// the base package documentation for the wire format.
//
// Key Components:
//
//   - clientConnector: TCP-specific implementation of base.IClientConnector
//
//   - serverConnector: TCP-specific implementation of base.IServerConnector
//
//   - UpgradeConnection: applies SocketConf and TCPConf to a connection,
//     shared by client and server
//
// The default server buffer size is set to 512 KB, which provides good performance
// for typical workloads, but can be customized for specific use cases.
package tcp
