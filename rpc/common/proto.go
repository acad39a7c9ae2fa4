package common

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"
)

// --------------------------------------------------------------------------
// Routes
// --------------------------------------------------------------------------

const (
	// RouteBatch accepts a BatchRequest and streams back one BatchEnvelope per answered query
	RouteBatch = "/batch"
	// RouteWatch is the long-lived change notification stream
	RouteWatch = "/watch"
	// RouteInstances is the prefix of the single query routes
	RouteInstances = "/instances/"
)

// --------------------------------------------------------------------------
// Query Descriptor
// --------------------------------------------------------------------------

// QueryDescriptor describes a single analytical query against one table (and optionally one column)
type QueryDescriptor struct {
	Kind     QueryKind       `json:"kind"`
	Instance string          `json:"instance"`
	Table    string          `json:"table"`
	Column   string          `json:"column,omitempty"`
	Priority int             `json:"priority,omitempty"` // Used for: batch sub requests, set by the batcher
	Args     json.RawMessage `json:"args,omitempty"`     // Kind specific arguments, opaque to the client
}

// Key returns the stable identity of the query. The priority is not part of the key
func (q QueryDescriptor) Key() string {
	var sb strings.Builder
	sb.WriteString(q.Instance)
	sb.WriteByte('/')
	sb.WriteString(q.Kind.String())
	sb.WriteByte('/')
	sb.WriteString(q.Table)
	sb.WriteByte('/')
	sb.WriteString(q.Column)
	if len(q.Args) > 0 {
		h := fnv.New64a()
		h.Write(q.Args)
		sb.WriteByte('#')
		sb.WriteString(hex.EncodeToString(h.Sum(nil)))
	}
	return sb.String()
}

// Path returns the single query route of the descriptor:
// /instances/{instance}/queries/{kind}/tables/{table}?column={column}
func (q QueryDescriptor) Path() string {
	path := RouteInstances + url.PathEscape(q.Instance) +
		"/queries/" + q.Kind.String() +
		"/tables/" + url.PathEscape(q.Table)
	if q.Column != "" {
		path += "?column=" + url.QueryEscape(q.Column)
	}
	return path
}

// Validate checks that all required fields are set
func (q QueryDescriptor) Validate() error {
	if q.Kind == QueryUnknown {
		return errors.New("query kind is required")
	}
	if q.Instance == "" {
		return errors.New("instance is required")
	}
	if q.Table == "" {
		return errors.New("table is required")
	}
	return nil
}

// ParseQueryRoute is the inverse of QueryDescriptor.Path and is used by servers to
// decode single query routes
func ParseQueryRoute(route string) (QueryDescriptor, error) {
	u, err := url.Parse(route)
	if err != nil {
		return QueryDescriptor{}, fmt.Errorf("invalid route %q: %w", route, err)
	}

	// instances/{id}/queries/{kind}/tables/{table}
	parts := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")
	if len(parts) != 6 || parts[0] != "instances" || parts[2] != "queries" || parts[4] != "tables" {
		return QueryDescriptor{}, fmt.Errorf("invalid route %q", route)
	}

	instance, err := url.PathUnescape(parts[1])
	if err != nil {
		return QueryDescriptor{}, fmt.Errorf("invalid instance in route %q: %w", route, err)
	}
	table, err := url.PathUnescape(parts[5])
	if err != nil {
		return QueryDescriptor{}, fmt.Errorf("invalid table in route %q: %w", route, err)
	}
	kind, err := ParseQueryKind(parts[3])
	if err != nil {
		return QueryDescriptor{}, err
	}

	return QueryDescriptor{
		Kind:     kind,
		Instance: instance,
		Table:    table,
		Column:   u.Query().Get("column"),
	}, nil
}

// --------------------------------------------------------------------------
// Batch Request / Response
// --------------------------------------------------------------------------

// BatchQuery is a query tagged with the batch operation that should execute it
type BatchQuery struct {
	Op    string          `json:"op"`
	Query QueryDescriptor `json:"query"`
}

// BatchRequest is the request body of RouteBatch
type BatchRequest struct {
	RequestID string       `json:"request_id"`
	Queries   []BatchQuery `json:"queries"`
}

// BatchEnvelope is one element of the response stream of RouteBatch.
// Exactly one of Result and Error is set. Envelopes may arrive in any order
// and the server is not required to answer every index
type BatchEnvelope struct {
	Index  int             `json:"index"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NewResultEnvelope creates an envelope carrying a result
func NewResultEnvelope(index int, result json.RawMessage) *BatchEnvelope {
	return &BatchEnvelope{
		Index:  index,
		Result: result,
	}
}

// NewErrorEnvelope creates an envelope carrying an error message
func NewErrorEnvelope(index int, err error) *BatchEnvelope {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &BatchEnvelope{
		Index: index,
		Error: msg,
	}
}

// IsError returns true if the envelope carries an error
func (e *BatchEnvelope) IsError() bool {
	return e.Error != ""
}

// Validate checks the envelope against a batch of size n
func (e *BatchEnvelope) Validate(n int) error {
	if e.Index < 0 || e.Index >= n {
		return fmt.Errorf("envelope index %d out of range [0, %d)", e.Index, n)
	}
	if e.Error != "" && len(e.Result) > 0 {
		return fmt.Errorf("envelope %d has both result and error", e.Index)
	}
	if e.Error == "" && len(e.Result) == 0 {
		return fmt.Errorf("envelope %d has neither result nor error", e.Index)
	}
	return nil
}

// --------------------------------------------------------------------------
// Watch Events
// --------------------------------------------------------------------------

// WatchEvent is a single frame of the RouteWatch stream
type WatchEvent struct {
	Type     string `json:"type"` // e.g. "heartbeat", "table-changed"
	Instance string `json:"instance,omitempty"`
	Table    string `json:"table,omitempty"`
	Sequence uint64 `json:"seq"`
}

// --------------------------------------------------------------------------
// Query Kind Definition
// --------------------------------------------------------------------------

// QueryKind is the closed set of analytical query types
type QueryKind uint8

const (
	QueryUnknown QueryKind = iota

	// Column profiling

	QueryTopK                  // Most frequent values of a column
	QueryNullCount             // Number of null values
	QueryCardinality           // Number of distinct values
	QueryNumericHistogram      // Histogram of a numeric column
	QueryRugHistogram          // Fine grained histogram for rug plots
	QueryDescriptiveStatistics // min, max, mean, quantiles ...
	QueryTimeRangeSummary      // min / max of a timestamp column
	QuerySmallestTimeGrain     // Smallest time grain present in a timestamp column

	// Table profiling

	QueryColumnMetadata   // Column names and types
	QueryTableCardinality // Number of rows

	// Metrics (not batched)

	QueryMetricsAggregation
	QueryMetricsTimeSeries
)

var queryKindNames = map[QueryKind]string{
	QueryTopK:                  "topk",
	QueryNullCount:             "null-count",
	QueryCardinality:           "cardinality",
	QueryNumericHistogram:      "numeric-histogram",
	QueryRugHistogram:          "rug-histogram",
	QueryDescriptiveStatistics: "descriptive-statistics",
	QueryTimeRangeSummary:      "time-range-summary",
	QuerySmallestTimeGrain:     "smallest-time-grain",
	QueryColumnMetadata:        "column-metadata",
	QueryTableCardinality:      "table-cardinality",
	QueryMetricsAggregation:    "metrics-aggregation",
	QueryMetricsTimeSeries:     "metrics-timeseries",
}

// QueryKinds lists all known query kinds
var QueryKinds = []QueryKind{
	QueryTopK, QueryNullCount, QueryCardinality, QueryNumericHistogram, QueryRugHistogram,
	QueryDescriptiveStatistics, QueryTimeRangeSummary, QuerySmallestTimeGrain,
	QueryColumnMetadata, QueryTableCardinality, QueryMetricsAggregation, QueryMetricsTimeSeries,
}

// String returns the string representation of a QueryKind.
func (k QueryKind) String() string {
	if name, ok := queryKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// IsColumnQuery returns true if the kind operates on a single column
func (k QueryKind) IsColumnQuery() bool {
	return k >= QueryTopK && k <= QuerySmallestTimeGrain
}

// ParseQueryKind converts the string representation back to a QueryKind
func ParseQueryKind(s string) (QueryKind, error) {
	for kind, name := range queryKindNames {
		if name == s {
			return kind, nil
		}
	}
	return QueryUnknown, fmt.Errorf("unknown query kind: %s", s)
}

// MarshalJSON implements the json.Marshaller interface for QueryKind.
// This allows QueryKind to be serialized as a string in JSON.
func (k QueryKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for QueryKind.
func (k *QueryKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	kind, err := ParseQueryKind(s)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}
