// Package common provides the data structures and utilities shared by all
// qplex rpc packages: the wire protocol, configuration and logging.
//
// Key Components:
//
//   - QueryDescriptor: identifies one analytical query (kind, instance, table,
//     column). Key() is the identity used by the priority queue, Path() the
//     route of the single query endpoint.
//
//   - BatchRequest / BatchEnvelope: the batch protocol. One BatchRequest is
//     answered with a stream of envelopes, each addressing one query by index.
//     Envelopes may arrive out of order and may be missing.
//
//   - ClientConfig / ServerConfig: configuration of the transports, the queue,
//     the batcher and the stream connection manager, with String() reports
//     used at startup.
//
//   - Logger: a logger factory for Dragonboat's logger facade with a fixed
//     column layout, installed via InitLoggers.
//
//   - MergeContexts and CancelScope: union cancellation. CancelScope is used
//     by every component that shares one network operation between several
//     callers, a caller only counts while its result is pending.
package common
