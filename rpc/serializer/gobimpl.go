package serializer

import (
	"bytes"
	"encoding/gob"

	"github.com/ValentinKolb/qplex/rpc/common"
)

// NewGOBSerializer creates a new serializer using Go's binary gob format
func NewGOBSerializer() IRPCSerializer {
	return &gobSerializerImpl{}
}

// gobSerializerImpl implements the IRPCSerializer interface using gob encoding
type gobSerializerImpl struct {
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (g gobSerializerImpl) SerializeRequest(req common.BatchRequest) ([]byte, error) {
	return gobEncode(req)
}

func (g gobSerializerImpl) DeserializeRequest(b []byte, req *common.BatchRequest) error {
	return gobDecode(b, req)
}

func (g gobSerializerImpl) SerializeEnvelope(env common.BatchEnvelope) ([]byte, error) {
	return gobEncode(env)
}

func (g gobSerializerImpl) DeserializeEnvelope(b []byte, env *common.BatchEnvelope) error {
	return gobDecode(b, env)
}

func (g gobSerializerImpl) Name() string {
	return "gob"
}
