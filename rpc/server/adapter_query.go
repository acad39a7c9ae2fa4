package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/serializer"
	"github.com/ValentinKolb/qplex/rpc/transport"
)

// NewQueryServerAdapter creates the adapter of the single query routes
// (/instances/{id}/queries/{kind}/tables/{table}). The request body, if any,
// is passed to the engine as the kind specific arguments
func NewQueryServerAdapter(engine IQueryEngine, serializer serializer.IRPCSerializer) IRPCServerAdapter {
	return &queryServerAdapterImpl{engine: engine, serializer: serializer}
}

type queryServerAdapterImpl struct {
	engine     IQueryEngine
	serializer serializer.IRPCSerializer
}

func (adapter *queryServerAdapterImpl) Handle(ctx context.Context, route string, req []byte, send transport.FrameFunc) error {
	// Decode the route
	query, err := common.ParseQueryRoute(route)
	if err != nil {
		return err
	}
	if len(req) > 0 {
		query.Args = req
	}

	// Let the engine handle the request
	var env *common.BatchEnvelope
	result, err := adapter.engine.Execute(ctx, query)
	switch {
	case errors.Is(err, ErrSkipResponse):
		// a single query always gets an answer
		env = common.NewErrorEnvelope(0, errors.New("no result"))
	case err != nil:
		env = common.NewErrorEnvelope(0, err)
	default:
		env = common.NewResultEnvelope(0, result)
	}

	// Return result
	frame, err := adapter.serializer.SerializeEnvelope(*env)
	if err != nil {
		return fmt.Errorf("failed to serialize response: %w", err)
	}
	return send(frame)
}
