package transport

import (
	"context"
	"errors"

	"github.com/ValentinKolb/qplex/rpc/common"
)

// ErrNotConnected is returned by client transports that are used before Connect or after Close
var ErrNotConnected = errors.New("transport not connected")

// FrameFunc receives one frame of a response stream. Returning an error aborts the stream.
// The frame is only valid during the call
type FrameFunc func(frame []byte) error

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests
// This function is called by a server transport layer when a request is received.
// The handler writes any number of response frames with send. One-shot routes
// send exactly one frame. The context is cancelled when the client goes away
// or cancels the request. A returned error is reported to the client and
// terminates the stream
type ServerHandleFunc func(ctx context.Context, route string, req []byte, send FrameFunc) error

// IRPCServerTransport is the interface for the RPC transport layer
// It must accept a ServerConfig as a parameter
type IRPCServerTransport interface {
	// RegisterHandler registers a handler for the transport layer
	// This handler should be called when a request is received
	RegisterHandler(handler ServerHandleFunc)
	// Listen starts the transport layer and blocks until the transport is closed
	Listen(config common.ServerConfig) error
	// Close stops listening and cancels all running handlers
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request to a one-shot route and returns the first response frame
	Send(ctx context.Context, route string, req []byte) (resp []byte, err error)
	// Stream sends a request and calls onFrame for every response frame until
	// the server ends the stream (nil), the connection fails (error) or ctx is
	// cancelled (ctx.Err())
	Stream(ctx context.Context, route string, req []byte, onFrame FrameFunc) error
	// Close closes the transport connection
	Close() error
}

// RemoteError is an error returned by the server side handler of a request
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}
