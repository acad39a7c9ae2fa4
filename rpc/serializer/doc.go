// Package serializer provides serialization of the batch protocol for the qplex
// RPC system. It defines a common interface and multiple implementations for
// encoding batch requests and the envelopes of the response stream.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//
//   - binarySerializerImpl: Custom binary format. Uses a flag-based approach to
//     encode only present fields, resulting in compact frames with minimal overhead.
//
//   - gobSerializerImpl: Implementation using Go's built-in gob encoding.
//
//   - jsonSerializerImpl: Implementation using JSON encoding. Every value is
//     encoded on a single line, which makes it the only format usable with the
//     NDJSON streaming of the http transport.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	s := serializer.NewBinarySerializer()
//	data, err := s.SerializeRequest(req)
//	// ... send data, receive frames ...
//	var env common.BatchEnvelope
//	err = s.DeserializeEnvelope(frame, &env)
package serializer
