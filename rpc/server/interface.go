package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/transport"
)

// ErrSkipResponse can be returned by an IQueryEngine to leave the index of a
// batch unanswered. Clients settle such an index with a NoResponse error
var ErrSkipResponse = errors.New("skip response")

// IQueryEngine executes single queries
type IQueryEngine interface {
	// Execute runs query and returns its result. The context is cancelled if
	// the client goes away
	Execute(ctx context.Context, query common.QueryDescriptor) (json.RawMessage, error)
}

// IWatchSource produces the events of the /watch stream
type IWatchSource interface {
	// Watch calls emit for every event until ctx is cancelled or emit fails
	Watch(ctx context.Context, emit func(common.WatchEvent) error) error
}

// IRPCServerAdapter is the interface for all RPC server adapters.
// Every adapter serves one family of routes
type IRPCServerAdapter interface {
	// Handle handles a request and writes its response frames with send.
	// A returned error is reported to the client and ends the stream
	Handle(ctx context.Context, route string, req []byte, send transport.FrameFunc) error
}
