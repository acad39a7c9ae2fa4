package serializer

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/ValentinKolb/qplex/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

// testRequest creates a heterogeneous batch request
func testRequest() common.BatchRequest {
	return common.BatchRequest{
		RequestID: "5b8f0c2e-6f4e-4a43-9d0a-8b7c55e2a001",
		Queries: []common.BatchQuery{
			{
				Op:    "column-profile",
				Query: common.QueryDescriptor{Kind: common.QueryTopK, Instance: "default", Table: "orders", Column: "city", Priority: 30},
			},
			{
				Op:    "table-profile",
				Query: common.QueryDescriptor{Kind: common.QueryTableCardinality, Instance: "default", Table: "orders"},
			},
			{
				Op: "column-profile",
				Query: common.QueryDescriptor{
					Kind: common.QueryNumericHistogram, Instance: "default", Table: "orders", Column: "amount",
					Priority: 10, Args: json.RawMessage(`{"method":"fd"}`),
				},
			},
		},
	}
}

// TestRequestRoundTrip tests that a batch request keeps every field
func TestRequestRoundTrip(t *testing.T) {
	req := testRequest()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			data, err := serializer.SerializeRequest(req)
			if err != nil {
				t.Fatalf("Failed to serialize request: %v", err)
			}

			var result common.BatchRequest
			if err := serializer.DeserializeRequest(data, &result); err != nil {
				t.Fatalf("Failed to deserialize request: %v", err)
			}

			if !reflect.DeepEqual(req, result) {
				t.Errorf("Request doesn't match after round trip:\nOriginal: %+v\nResult: %+v", req, result)
			}
		})
	}
}

// TestEnvelopeVariants tests result and error envelopes with each serializer
func TestEnvelopeVariants(t *testing.T) {
	envelopes := []common.BatchEnvelope{
		*common.NewResultEnvelope(0, json.RawMessage(`{"values":[1,2,3]}`)),
		*common.NewErrorEnvelope(41, errBoom{}),
	}

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for _, env := range envelopes {
				data, err := serializer.SerializeEnvelope(env)
				if err != nil {
					t.Fatalf("Failed to serialize envelope %d: %v", env.Index, err)
				}

				var result common.BatchEnvelope
				if err := serializer.DeserializeEnvelope(data, &result); err != nil {
					t.Fatalf("Failed to deserialize envelope %d: %v", env.Index, err)
				}

				if result.Index != env.Index || result.Error != env.Error || string(result.Result) != string(env.Result) {
					t.Errorf("Envelope mismatch: expected %+v, got %+v", env, result)
				}
				if result.IsError() != env.IsError() {
					t.Errorf("IsError mismatch for envelope %d", env.Index)
				}
			}
		})
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom: table orders does not exist" }

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name        string
		data        []byte
		envelope    bool
		expectError bool
	}{
		{
			name:        "Empty request",
			data:        []byte{},
			expectError: true,
		},
		{
			name:        "Empty batch",
			data:        []byte{0, 0, 0, 0, 0, 0},
			expectError: false,
		},
		{
			name:        "Invalid length for request id",
			data:        []byte{0, 5, 'a', 'b'},
			expectError: true,
		},
		{
			name:        "Impossible query count",
			data:        []byte{0, 0, 0xff, 0xff, 0xff, 0xff},
			expectError: true,
		},
		{
			name:        "Truncated query",
			data:        []byte{0, 0, 0, 0, 0, 1, 0, 2, 'o', 'p', 1, 0, 0, 1, 'x', 0},
			expectError: true,
		},
		{
			name:        "Empty envelope",
			data:        []byte{},
			envelope:    true,
			expectError: true,
		},
		{
			name:        "Envelope with missing result",
			data:        []byte{0, 0, 0, 1, hasResult, 0, 0, 0, 10},
			envelope:    true,
			expectError: true,
		},
		{
			name:        "Envelope header only",
			data:        []byte{0, 0, 0, 1, 0},
			envelope:    true,
			expectError: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var err error
			if tc.envelope {
				var env common.BatchEnvelope
				err = serializer.DeserializeEnvelope(tc.data, &env)
			} else {
				var req common.BatchRequest
				err = serializer.DeserializeRequest(tc.data, &req)
			}

			if tc.expectError && err == nil {
				t.Errorf("Expected error but got none")
			} else if !tc.expectError && err != nil {
				t.Errorf("Did not expect error but got: %v", err)
			}
		})
	}
}
