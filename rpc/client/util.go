package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ValentinKolb/qplex/lib/qerr"
	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/serializer"
	"github.com/ValentinKolb/qplex/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// rpcClientAdapter is a struct that stores all data needed for an implementation of an RPC client
// Used by the BatchClient with composition pattern
type rpcClientAdapter struct {
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

// invokeQueryRequest is a helper function that sends a single query to its REST route.
// The kind specific arguments are sent as request body.
// It returns the result of the response envelope or a classified error
func invokeQueryRequest(ctx context.Context, query common.QueryDescriptor, transport transport.IRPCClientTransport, serializer serializer.IRPCSerializer) (json.RawMessage, error) {
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	// Send the request
	var body []byte
	if len(query.Args) > 0 {
		body = query.Args
	}
	respBytes, err := transport.Send(ctx, query.Path(), body)
	if err != nil {
		return nil, classifyTransportError("query", ctx, err)
	}

	// Deserialize the response
	env := common.BatchEnvelope{}
	if err := serializer.DeserializeEnvelope(respBytes, &env); err != nil {
		return nil, qerr.Transport("query", fmt.Errorf("invalid response for %s: %w", query.Key(), err))
	}

	// Check if the response is an error response
	if env.IsError() {
		return nil, qerr.Query("query", env.Error)
	}

	// Return the result
	return env.Result, nil
}

// classifyTransportError maps the error of a transport call to the error taxonomy.
// Cancellation wins over every other cause, handler errors become query errors
func classifyTransportError(op string, ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return qerr.Cancelled(op, context.Cause(ctx))
	}
	var remote *transport.RemoteError
	if errors.As(err, &remote) {
		return qerr.Query(op, remote.Message)
	}
	return qerr.Transport(op, err)
}
