package query

import (
	"strings"
	"testing"

	"github.com/ValentinKolb/qplex/lib/queue"
	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/stream"
)

func TestReadBatch(t *testing.T) {
	list := `[
		{"query": {"kind": "topk", "instance": "default", "table": "t", "column": "a"}},
		{"op": "Custom", "query": {"kind": "metrics-aggregation", "instance": "default", "table": "t", "priority": 30}}
	]`
	request := `{"request_id": "x", "queries": [{"query": {"kind": "smallest-time-grain", "instance": "default", "table": "t", "column": "ts"}}]}`

	queries, err := readBatch(strings.NewReader(list))
	if err != nil {
		t.Fatalf("readBatch failed: %v", err)
	}
	if len(queries) != 2 {
		t.Fatalf("got %d queries, want 2", len(queries))
	}
	if queries[0].Op != "ColumnTopK" || queries[0].Query.Priority != int(queue.PriorityActiveEntity) {
		t.Errorf("query 0 = %+v, want op and priority derived from the kind", queries[0])
	}
	if queries[1].Op != "Custom" || queries[1].Query.Priority != 30 {
		t.Errorf("query 1 = %+v, want explicit op and priority kept", queries[1])
	}

	queries, err = readBatch(strings.NewReader(request))
	if err != nil {
		t.Fatalf("readBatch failed: %v", err)
	}
	if len(queries) != 1 || queries[0].Op != "ColumnSmallestTimeGrain" {
		t.Errorf("queries = %+v, want one ColumnSmallestTimeGrain query", queries)
	}
}

func TestReadBatchErrors(t *testing.T) {
	for name, input := range map[string]string{
		"empty":       `[]`,
		"malformed":   `[{`,
		"invalid":     `[{"query": {"kind": "topk", "table": "t"}}]`,
		"unbatchable": `[{"query": {"kind": "metrics-timeseries", "instance": "default", "table": "t"}}]`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := readBatch(strings.NewReader(input)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestProfileKinds(t *testing.T) {
	kinds, err := profileKinds("", "price")
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range kinds {
		if !k.IsColumnQuery() {
			t.Errorf("column profile contains table kind %s", k)
		}
	}
	if len(kinds) != 8 {
		t.Errorf("got %d column kinds, want 8", len(kinds))
	}

	kinds, _ = profileKinds("", "")
	if len(kinds) != 2 || kinds[0] != common.QueryColumnMetadata || kinds[1] != common.QueryTableCardinality {
		t.Errorf("table kinds = %v", kinds)
	}

	kinds, _ = profileKinds("topk, cardinality", "price")
	if len(kinds) != 2 || kinds[0] != common.QueryTopK || kinds[1] != common.QueryCardinality {
		t.Errorf("explicit kinds = %v", kinds)
	}

	if _, err := profileKinds("topk,nope", ""); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestFormatEvent(t *testing.T) {
	for _, tc := range []struct {
		ev   stream.Event
		want string
	}{
		{stream.Event{Type: stream.EventMessage, Data: []byte(`{"type":"heartbeat","seq":3}`)}, "message #3 heartbeat"},
		{stream.Event{Type: stream.EventMessage, Data: []byte(`{"type":"table-changed","instance":"i","table":"t","seq":4}`)}, "message #4 table-changed i/t"},
		{stream.Event{Type: stream.EventMessage, Data: []byte(`raw`)}, "message (3 bytes)"},
		{stream.Event{Type: stream.EventOpen}, "open"},
	} {
		if got := formatEvent(tc.ev); got != tc.want {
			t.Errorf("formatEvent = %q, want %q", got, tc.want)
		}
	}
}
