package common

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// TestQueryKindJSON tests that query kinds are encoded by name
func TestQueryKindJSON(t *testing.T) {
	for _, kind := range QueryKinds {
		b, err := json.Marshal(kind)
		if err != nil {
			t.Fatalf("failed to marshal %v: %v", kind, err)
		}
		if string(b) != `"`+kind.String()+`"` {
			t.Errorf("expected %q, got %s", kind.String(), b)
		}
		var decoded QueryKind
		if err := json.Unmarshal(b, &decoded); err != nil || decoded != kind {
			t.Errorf("failed to decode %s: got %v, %v", b, decoded, err)
		}
	}

	var k QueryKind
	if err := json.Unmarshal([]byte(`"sql"`), &k); err == nil {
		t.Error("expected error for unknown kind")
	}
}

// TestQueryKey tests that the key identifies the query but ignores the priority
func TestQueryKey(t *testing.T) {
	a := QueryDescriptor{Kind: QueryTopK, Instance: "default", Table: "orders", Column: "city"}
	b := a
	b.Priority = 30

	if a.Key() != b.Key() {
		t.Errorf("priority must not change the key: %s != %s", a.Key(), b.Key())
	}
	if a.Key() != "default/topk/orders/city" {
		t.Errorf("unexpected key %s", a.Key())
	}

	c := a
	c.Args = json.RawMessage(`{"k":10}`)
	d := a
	d.Args = json.RawMessage(`{"k":20}`)
	if c.Key() == a.Key() || c.Key() == d.Key() {
		t.Error("args must be part of the key")
	}
}

// TestQueryRoute tests Path and ParseQueryRoute
func TestQueryRoute(t *testing.T) {
	tests := []struct {
		query QueryDescriptor
		path  string
	}{
		{
			query: QueryDescriptor{Kind: QueryTableCardinality, Instance: "default", Table: "orders"},
			path:  "/instances/default/queries/table-cardinality/tables/orders",
		},
		{
			query: QueryDescriptor{Kind: QueryNullCount, Instance: "prod", Table: "ad bids", Column: "bid price"},
			path:  "/instances/prod/queries/null-count/tables/ad%20bids?column=bid+price",
		},
	}

	for _, tt := range tests {
		if got := tt.query.Path(); got != tt.path {
			t.Errorf("Path() = %s, expected %s", got, tt.path)
		}
		parsed, err := ParseQueryRoute(tt.path)
		if err != nil {
			t.Fatalf("failed to parse %s: %v", tt.path, err)
		}
		if parsed.Key() != tt.query.Key() {
			t.Errorf("parsed %s to %+v", tt.path, parsed)
		}
	}

	for _, invalid := range []string{"/batch", "/instances/x/queries/sql/tables/t", "/instances/x/tables/t"} {
		if _, err := ParseQueryRoute(invalid); err == nil {
			t.Errorf("expected error for route %s", invalid)
		}
	}
}

// TestEnvelopeValidate tests envelope validation against the batch size
func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name  string
		env   *BatchEnvelope
		valid bool
	}{
		{"result", NewResultEnvelope(0, json.RawMessage(`1`)), true},
		{"error", NewErrorEnvelope(2, errors.New("boom")), true},
		{"negative index", NewResultEnvelope(-1, json.RawMessage(`1`)), false},
		{"index too large", NewResultEnvelope(3, json.RawMessage(`1`)), false},
		{"empty", &BatchEnvelope{Index: 1}, false},
		{"both", &BatchEnvelope{Index: 1, Result: json.RawMessage(`1`), Error: "x"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate(3)
			if (err == nil) != tt.valid {
				t.Errorf("Validate() = %v, expected valid=%v", err, tt.valid)
			}
		})
	}
}

// TestMergeContexts tests union cancellation
func TestMergeContexts(t *testing.T) {
	a, cancelA := context.WithCancel(context.Background())
	b, cancelB := context.WithCancel(context.Background())
	defer cancelB()

	merged, stop := MergeContexts(a, b)
	defer stop()

	if merged.Err() != nil {
		t.Fatal("merged context should not be cancelled yet")
	}

	cancelA()
	select {
	case <-merged.Done():
	case <-time.After(time.Second):
		t.Fatal("merged context was not cancelled")
	}
	if !errors.Is(context.Cause(merged), context.Canceled) {
		t.Errorf("unexpected cause %v", context.Cause(merged))
	}

	// already cancelled input
	pre, cancelPre := context.WithCancel(context.Background())
	cancelPre()
	merged2, stop2 := MergeContexts(context.Background(), pre)
	defer stop2()
	if merged2.Err() == nil {
		t.Error("merging a cancelled context should yield a cancelled context")
	}
}

// TestCancelScope tests that only joined participants cancel the scope
func TestCancelScope(t *testing.T) {
	scope := NewCancelScope()
	defer scope.Close()

	done, cancelDone := context.WithCancel(context.Background())
	leave := scope.Join(done)
	waiting, cancelWaiting := context.WithCancel(context.Background())
	scope.Join(waiting)

	// a participant that left is cancelled after its result
	leave()
	cancelDone()
	time.Sleep(10 * time.Millisecond)
	if scope.Context().Err() != nil {
		t.Fatal("scope was cancelled by a participant that already left")
	}

	cancelWaiting()
	select {
	case <-scope.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("scope was not cancelled by a joined participant")
	}

	// joining with a cancelled context cancels at once
	pre, cancelPre := context.WithCancel(context.Background())
	cancelPre()
	other := NewCancelScope()
	other.Join(pre)
	if other.Context().Err() == nil {
		t.Error("joining a cancelled context should cancel the scope")
	}
	other.Close()
}

// TestDefaultClientConfig tests that the report contains the configured endpoints
func TestDefaultClientConfig(t *testing.T) {
	c := DefaultClientConfig("localhost:8080")
	if c.Batch.Window() != 100*time.Millisecond {
		t.Errorf("expected 100ms default window, got %s", c.Batch.Window())
	}
	if c.Stream.Route != RouteWatch {
		t.Errorf("expected default stream route %s, got %s", RouteWatch, c.Stream.Route)
	}
	if s := c.String(); len(s) == 0 || !strings.Contains(s, "localhost:8080") {
		t.Errorf("config report should list the endpoint:\n%s", s)
	}
}
