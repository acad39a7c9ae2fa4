package batcher

import (
	"github.com/ValentinKolb/qplex/lib/queue"
	"github.com/ValentinKolb/qplex/rpc/common"
)

// Route describes how a batchable query kind is sent inside a batch
type Route struct {
	// Op is the batch operation tag of the sub request
	Op string
	// DefaultPriority is used if the caller does not set a priority
	DefaultPriority queue.Priority
}

// Routes maps every batchable query kind to its batch operation.
// Kinds missing from the table bypass batching
var Routes = map[common.QueryKind]Route{
	common.QueryTopK:                  {Op: "ColumnTopK", DefaultPriority: queue.PriorityActiveEntity},
	common.QueryNullCount:             {Op: "ColumnNullCount", DefaultPriority: queue.PriorityInactiveEntity},
	common.QueryCardinality:           {Op: "ColumnCardinality", DefaultPriority: queue.PriorityInactiveEntity},
	common.QueryNumericHistogram:      {Op: "ColumnNumericHistogram", DefaultPriority: queue.PriorityInactiveEntity},
	common.QueryRugHistogram:          {Op: "ColumnRugHistogram", DefaultPriority: queue.PriorityInactiveEntity},
	common.QueryDescriptiveStatistics: {Op: "ColumnDescriptiveStatistics", DefaultPriority: queue.PriorityInactiveEntity},
	common.QueryTimeRangeSummary:      {Op: "ColumnTimeRangeSummary", DefaultPriority: queue.PriorityInactiveEntity},
	common.QuerySmallestTimeGrain:     {Op: "ColumnSmallestTimeGrain", DefaultPriority: queue.PriorityBackground},
	common.QueryColumnMetadata:        {Op: "TableColumns", DefaultPriority: queue.PriorityActiveEntity},
	common.QueryTableCardinality:      {Op: "TableCardinality", DefaultPriority: queue.PriorityActiveEntity},
}

// Lookup returns the route of kind. ok is false if the kind is not batchable
func Lookup(kind common.QueryKind) (Route, bool) {
	r, ok := Routes[kind]
	return r, ok
}
