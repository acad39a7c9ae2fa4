package base

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
)

// frameKind identifies the purpose of a frame
type frameKind uint8

const (
	frameRequest frameKind = iota + 1 // client -> server, payload = routeLen | route | body
	frameCancel                       // client -> server, no payload
	frameData                         // server -> client, one response frame
	frameEnd                          // server -> client, stream completed
	frameError                        // server -> client, payload = error message
)

func (k frameKind) String() string {
	switch k {
	case frameRequest:
		return "request"
	case frameCancel:
		return "cancel"
	case frameData:
		return "data"
	case frameEnd:
		return "end"
	case frameError:
		return "error"
	default:
		return fmt.Sprintf("frame(%d)", uint8(k))
	}
}

const headerSize = 13

// maxFrameSize bounds the payload a peer may announce
const maxFrameSize = 64 * 1024 * 1024

// frame is a decoded frame, data is owned by the receiver.
// err is set for locally synthesized failures (connection lost)
type frame struct {
	kind frameKind
	data []byte
	err  error
}

// writeFrame writes a frame to the connection with the format:
// - 8 bytes: requestID (uint64, big endian)
// - 1 byte: frame kind
// - 4 bytes: data length (uint32, big endian)
// - N bytes: data payload
func writeFrame(conn net.Conn, requestID uint64, kind frameKind, data ...[]byte) error {
	size := 0
	for _, d := range data {
		size += len(d)
	}
	if size > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit of %d bytes", size, maxFrameSize)
	}

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint64(header[:8], requestID)
	header[8] = byte(kind)
	binary.BigEndian.PutUint32(header[9:13], uint32(size))

	b := make(net.Buffers, 0, 1+len(data))
	b = append(b, header)
	b = append(b, data...)
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads a frame from the connection using the provided buffer.
// If the buffer is too small (or nil), a new buffer is allocated for the data.
// The returned data aliases buf if it was large enough
func readFrame(conn net.Conn, buf []byte) (uint64, frameKind, []byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return 0, 0, nil, err
	}

	requestID := binary.BigEndian.Uint64(header[:8])
	kind := frameKind(header[8])
	contentLength := binary.BigEndian.Uint32(header[9:13])

	if contentLength == 0 {
		return requestID, kind, []byte{}, nil
	}
	if contentLength > maxFrameSize {
		return 0, 0, nil, fmt.Errorf("announced frame of %d bytes exceeds limit", contentLength)
	}

	if len(buf) < int(contentLength) {
		buf = make([]byte, contentLength)
	}

	if _, err := io.ReadFull(conn, buf[:contentLength]); err != nil {
		return 0, 0, nil, err
	}

	return requestID, kind, buf[:contentLength], nil
}

// encodeRoute builds the route prefix of a request frame
func encodeRoute(route string) ([]byte, error) {
	if len(route) > math.MaxUint16 {
		return nil, fmt.Errorf("route too long")
	}
	prefix := make([]byte, 2, 2+len(route))
	binary.BigEndian.PutUint16(prefix, uint16(len(route)))
	return append(prefix, route...), nil
}

// decodeRequest splits the payload of a request frame into route and body
func decodeRequest(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, fmt.Errorf("request frame too short")
	}
	n := int(binary.BigEndian.Uint16(data[:2]))
	if len(data) < 2+n {
		return "", nil, fmt.Errorf("request frame too short for route")
	}
	return string(data[2 : 2+n]), data[2+n:], nil
}
