package serializer

import (
	"encoding/json"

	"github.com/ValentinKolb/qplex/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding.
// Every serialized value is a single line, so the output can be used as NDJSON frame
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IRPCSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) SerializeRequest(req common.BatchRequest) ([]byte, error) {
	return json.Marshal(req)
}

func (j jsonSerializerImpl) DeserializeRequest(b []byte, req *common.BatchRequest) error {
	return json.Unmarshal(b, req)
}

func (j jsonSerializerImpl) SerializeEnvelope(env common.BatchEnvelope) ([]byte, error) {
	return json.Marshal(env)
}

func (j jsonSerializerImpl) DeserializeEnvelope(b []byte, env *common.BatchEnvelope) error {
	return json.Unmarshal(b, env)
}

func (j jsonSerializerImpl) Name() string {
	return "json"
}
