package server

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/serializer"
	"github.com/ValentinKolb/qplex/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"golang.org/x/sync/errgroup"
)

var (
	batchQueriesTotal = metrics.GetOrCreateCounter("qplex_server_batch_queries_total")
	skippedTotal      = metrics.GetOrCreateCounter("qplex_server_skipped_total")
)

// NewBatchServerAdapter creates the adapter of the /batch route.
// Queries of one batch run concurrently (at most workers at a time, higher
// priorities first) and their envelopes are streamed in completion order
func NewBatchServerAdapter(engine IQueryEngine, serializer serializer.IRPCSerializer, workers int) IRPCServerAdapter {
	return &batchServerAdapterImpl{engine: engine, serializer: serializer, workers: max(1, workers)}
}

type batchServerAdapterImpl struct {
	engine     IQueryEngine
	serializer serializer.IRPCSerializer
	workers    int
}

func (adapter *batchServerAdapterImpl) Handle(ctx context.Context, route string, req []byte, send transport.FrameFunc) error {
	// Decode the request
	var batch common.BatchRequest
	if err := adapter.serializer.DeserializeRequest(req, &batch); err != nil {
		return fmt.Errorf("failed to deserialize batch request: %w", err)
	}
	batchQueriesTotal.Add(len(batch.Queries))
	Logger.Debugf("Batch %s with %d queries", batch.RequestID, len(batch.Queries))

	// Schedule the most important queries first, keep the submission order otherwise
	order := make([]int, len(batch.Queries))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(batch.Queries[b].Query.Priority, batch.Queries[a].Query.Priority)
	})

	// send is not safe for concurrent use
	var sendMu sync.Mutex
	sendEnvelope := func(env *common.BatchEnvelope) error {
		frame, err := adapter.serializer.SerializeEnvelope(*env)
		if err != nil {
			return fmt.Errorf("failed to serialize envelope %d: %w", env.Index, err)
		}
		sendMu.Lock()
		defer sendMu.Unlock()
		return send(frame)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(adapter.workers)

	for _, index := range order {
		if groupCtx.Err() != nil {
			break
		}
		q := batch.Queries[index]
		group.Go(func() error {
			result, err := adapter.engine.Execute(groupCtx, q.Query)
			switch {
			case errors.Is(err, ErrSkipResponse):
				skippedTotal.Inc()
				return nil
			case groupCtx.Err() != nil:
				return groupCtx.Err()
			case err != nil:
				return sendEnvelope(common.NewErrorEnvelope(index, err))
			default:
				return sendEnvelope(common.NewResultEnvelope(index, result))
			}
		})
	}

	return group.Wait()
}
