package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/server"
)

// syntheticEngine answers every query with generated but stable data after a
// random delay. It can drop or fail a fraction of the queries
type syntheticEngine struct {
	minDelay time.Duration
	maxDelay time.Duration
	dropRate float64
	failRate float64
}

// Execute implements server.IQueryEngine
func (e *syntheticEngine) Execute(ctx context.Context, query common.QueryDescriptor) (json.RawMessage, error) {
	// simulate work
	if d := e.delay(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	switch r := rand.Float64(); {
	case r < e.dropRate:
		return nil, server.ErrSkipResponse
	case r < e.dropRate+e.failRate:
		return nil, errors.New("synthetic engine failure")
	}

	return json.Marshal(synthesize(query))
}

func (e *syntheticEngine) delay() time.Duration {
	if e.maxDelay <= e.minDelay {
		return e.minDelay
	}
	return e.minDelay + rand.N(e.maxDelay-e.minDelay)
}

// synthesize returns the result of query. The same query always gets the same result
func synthesize(query common.QueryDescriptor) any {
	h := fnv.New64a()
	h.Write([]byte(query.Key()))
	seed := h.Sum64()
	rnd := rand.New(rand.NewPCG(seed, seed>>1))

	rows := 1000 + rnd.IntN(1_000_000)

	switch query.Kind {
	case common.QueryTopK:
		type entry struct {
			Value string `json:"value"`
			Count int    `json:"count"`
		}
		top := make([]entry, 5)
		count := rows / 2
		for i := range top {
			top[i] = entry{Value: fmt.Sprintf("%s-%d", query.Column, rnd.IntN(1000)), Count: count}
			count /= 2
		}
		return map[string]any{"topK": top}

	case common.QueryNullCount:
		return map[string]any{"nullCount": rnd.IntN(rows / 10)}

	case common.QueryCardinality, common.QueryTableCardinality:
		return map[string]any{"cardinality": rows}

	case common.QueryNumericHistogram, common.QueryRugHistogram:
		buckets := 20
		if query.Kind == common.QueryRugHistogram {
			buckets = 100
		}
		bins := make([]map[string]any, buckets)
		for i := range bins {
			bins[i] = map[string]any{"bucket": i, "low": float64(i) * 10, "high": float64(i+1) * 10, "count": rnd.IntN(rows / buckets)}
		}
		return map[string]any{"histogram": bins}

	case common.QueryDescriptiveStatistics:
		lo := rnd.Float64() * 100
		return map[string]any{
			"min": lo, "q25": lo + 25, "q50": lo + 50, "q75": lo + 75, "max": lo + 100,
			"mean": lo + 48.5, "sd": 28.9,
		}

	case common.QueryTimeRangeSummary:
		end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		start := end.Add(-time.Duration(1+rnd.IntN(365*24)) * time.Hour)
		return map[string]any{"min": start, "max": end}

	case common.QuerySmallestTimeGrain:
		grains := []string{"TIME_GRAIN_SECOND", "TIME_GRAIN_MINUTE", "TIME_GRAIN_HOUR", "TIME_GRAIN_DAY"}
		return map[string]any{"timeGrain": grains[rnd.IntN(len(grains))]}

	case common.QueryColumnMetadata:
		types := []string{"VARCHAR", "BIGINT", "DOUBLE", "TIMESTAMP", "BOOLEAN"}
		columns := make([]map[string]string, 3+rnd.IntN(8))
		for i := range columns {
			columns[i] = map[string]string{"name": fmt.Sprintf("col_%d", i), "type": types[rnd.IntN(len(types))]}
		}
		return map[string]any{"columns": columns}

	case common.QueryMetricsAggregation:
		return map[string]any{"data": []map[string]any{{query.Column: rnd.Float64() * float64(rows)}}}

	case common.QueryMetricsTimeSeries:
		points := make([]map[string]any, 24)
		ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := range points {
			points[i] = map[string]any{"ts": ts.Add(time.Duration(i) * time.Hour), "value": rnd.Float64() * 100}
		}
		return map[string]any{"data": points}

	default:
		return map[string]any{}
	}
}
