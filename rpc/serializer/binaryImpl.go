package serializer

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ValentinKolb/qplex/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields of a query are present
const (
	hasColumn   byte = 1 << 0
	hasPriority byte = 1 << 1
	hasArgs     byte = 1 << 2
)

// Bit flags to indicate which fields of an envelope are present
const (
	hasResult byte = 1 << 0
	hasErr    byte = 1 << 1
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

// SerializeRequest writes
//   - request id (uint16 length + bytes)
//   - query count (uint32)
//   - per query: op (uint16 length + bytes), kind (1 byte), flags (1 byte),
//     instance, table (uint16 length + bytes), then the optional fields
//     column (uint16 length + bytes), priority (int32), args (uint32 length + bytes)
func (b binarySerializerImpl) SerializeRequest(req common.BatchRequest) ([]byte, error) {
	if len(req.RequestID) > math.MaxUint16 {
		return nil, fmt.Errorf("request id too long")
	}

	result := make([]byte, 0, b.requestSize(req))
	result = appendString16(result, req.RequestID)
	result = binary.BigEndian.AppendUint32(result, uint32(len(req.Queries)))

	for i, q := range req.Queries {
		if len(q.Op) > math.MaxUint16 || len(q.Query.Instance) > math.MaxUint16 ||
			len(q.Query.Table) > math.MaxUint16 || len(q.Query.Column) > math.MaxUint16 {
			return nil, fmt.Errorf("query %d: field too long", i)
		}

		var flags byte
		if q.Query.Column != "" {
			flags |= hasColumn
		}
		if q.Query.Priority != 0 {
			flags |= hasPriority
		}
		if q.Query.Args != nil {
			flags |= hasArgs
		}

		result = appendString16(result, q.Op)
		result = append(result, byte(q.Query.Kind), flags)
		result = appendString16(result, q.Query.Instance)
		result = appendString16(result, q.Query.Table)

		if flags&hasColumn != 0 {
			result = appendString16(result, q.Query.Column)
		}
		if flags&hasPriority != 0 {
			result = binary.BigEndian.AppendUint32(result, uint32(int32(q.Query.Priority)))
		}
		if flags&hasArgs != 0 {
			result = binary.BigEndian.AppendUint32(result, uint32(len(q.Query.Args)))
			result = append(result, q.Query.Args...)
		}
	}

	return result, nil
}

func (b binarySerializerImpl) DeserializeRequest(data []byte, req *common.BatchRequest) error {
	r := reader{data: data}

	req.RequestID = r.readString16("request id")
	count := r.readUint32("query count")
	if r.err != nil {
		return r.err
	}

	// every query needs at least 8 bytes, reject impossible counts before allocating
	if uint64(count)*8 > uint64(len(data)) {
		return fmt.Errorf("data too short for %d queries", count)
	}

	req.Queries = make([]common.BatchQuery, count)
	for i := range req.Queries {
		q := &req.Queries[i]
		q.Op = r.readString16("op")
		q.Query.Kind = common.QueryKind(r.readByte("kind"))
		flags := r.readByte("flags")
		q.Query.Instance = r.readString16("instance")
		q.Query.Table = r.readString16("table")

		if flags&hasColumn != 0 {
			q.Query.Column = r.readString16("column")
		}
		if flags&hasPriority != 0 {
			q.Query.Priority = int(int32(r.readUint32("priority")))
		}
		if flags&hasArgs != 0 {
			q.Query.Args = r.readBytes32("args")
		}

		if r.err != nil {
			return fmt.Errorf("query %d: %w", i, r.err)
		}
	}

	return nil
}

// SerializeEnvelope writes
//   - index (uint32)
//   - flags (1 byte)
//   - result (uint32 length + bytes) if present
//   - error (uint32 length + bytes) if present
func (b binarySerializerImpl) SerializeEnvelope(env common.BatchEnvelope) ([]byte, error) {
	if env.Index < 0 || uint64(env.Index) > math.MaxUint32 {
		return nil, fmt.Errorf("envelope index %d out of range", env.Index)
	}

	var flags byte
	size := 5
	if env.Result != nil {
		flags |= hasResult
		size += 4 + len(env.Result)
	}
	if env.Error != "" {
		flags |= hasErr
		size += 4 + len(env.Error)
	}

	result := make([]byte, 0, size)
	result = binary.BigEndian.AppendUint32(result, uint32(env.Index))
	result = append(result, flags)

	if flags&hasResult != 0 {
		result = binary.BigEndian.AppendUint32(result, uint32(len(env.Result)))
		result = append(result, env.Result...)
	}
	if flags&hasErr != 0 {
		result = binary.BigEndian.AppendUint32(result, uint32(len(env.Error)))
		result = append(result, env.Error...)
	}

	return result, nil
}

func (b binarySerializerImpl) DeserializeEnvelope(data []byte, env *common.BatchEnvelope) error {
	r := reader{data: data}

	env.Index = int(r.readUint32("index"))
	flags := r.readByte("flags")

	env.Result = nil
	if flags&hasResult != 0 {
		env.Result = r.readBytes32("result")
	}
	env.Error = ""
	if flags&hasErr != 0 {
		env.Error = string(r.readBytes32("error"))
	}

	return r.err
}

func (b binarySerializerImpl) Name() string {
	return "binary"
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// requestSize calculates the total size needed for serialization
func (b binarySerializerImpl) requestSize(req common.BatchRequest) int {
	size := 2 + len(req.RequestID) + 4
	for _, q := range req.Queries {
		size += 2 + len(q.Op) + 2 // op, kind, flags
		size += 2 + len(q.Query.Instance) + 2 + len(q.Query.Table)
		if q.Query.Column != "" {
			size += 2 + len(q.Query.Column)
		}
		if q.Query.Priority != 0 {
			size += 4
		}
		if q.Query.Args != nil {
			size += 4 + len(q.Query.Args)
		}
	}
	return size
}

func appendString16(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

// reader reads big endian fields and remembers the first error
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) need(n int, field string) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.data) {
		r.err = fmt.Errorf("data too short for %s", field)
		return false
	}
	return true
}

func (r *reader) readByte(field string) byte {
	if !r.need(1, field) {
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *reader) readUint32(field string) uint32 {
	if !r.need(4, field) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v
}

func (r *reader) readString16(field string) string {
	if !r.need(2, field+" length") {
		return ""
	}
	n := int(binary.BigEndian.Uint16(r.data[r.pos : r.pos+2]))
	r.pos += 2
	if !r.need(n, field) {
		return ""
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return s
}

// readBytes32 copies the value, the input buffer may be reused by the transport
func (r *reader) readBytes32(field string) []byte {
	n := int(r.readUint32(field + " length"))
	if !r.need(n, field) {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.data[r.pos:r.pos+n])
	r.pos += n
	return v
}
