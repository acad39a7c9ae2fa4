package serializer

import "github.com/ValentinKolb/qplex/rpc/common"

// IRPCSerializer is the interface for all batch protocol serializers
type IRPCSerializer interface {
	// SerializeRequest serializes a BatchRequest into a byte array
	SerializeRequest(req common.BatchRequest) ([]byte, error)
	// DeserializeRequest deserializes a byte array into a BatchRequest
	DeserializeRequest(b []byte, req *common.BatchRequest) error
	// SerializeEnvelope serializes a single response envelope
	SerializeEnvelope(env common.BatchEnvelope) ([]byte, error)
	// DeserializeEnvelope deserializes a single response envelope
	DeserializeEnvelope(b []byte, env *common.BatchEnvelope) error
	// Name returns the name of the format
	Name() string
}
