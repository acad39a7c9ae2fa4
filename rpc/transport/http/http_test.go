package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
)

// newTestServer starts an httptest server around the server transport
func newTestServer(t *testing.T, handler transport.ServerHandleFunc) (*httptest.Server, transport.IRPCClientTransport) {
	t.Helper()

	server := &httpServerTransport{config: common.ServerConfig{Metrics: true, LogLevel: "debug"}}
	server.RegisterHandler(handler)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	client := NewHttpClientTransport()
	config := common.DefaultClientConfig(ts.URL)
	config.Transport.RetryCount = 1
	if err := client.Connect(config); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return ts, client
}

func TestSendAndStream(t *testing.T) {
	var gotRoute, gotBody string
	_, client := newTestServer(t, func(ctx context.Context, route string, req []byte, send transport.FrameFunc) error {
		gotRoute, gotBody = route, string(req)
		for i := 0; i < 3; i++ {
			if err := send([]byte(fmt.Sprintf(`{"index":%d}`, i))); err != nil {
				return err
			}
		}
		return nil
	})

	var frames []string
	err := client.Stream(context.Background(), "/batch", []byte(`{"queries":[]}`), func(f []byte) error {
		frames = append(frames, string(f))
		return nil
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if gotRoute != "/batch" || gotBody != `{"queries":[]}` {
		t.Errorf("handler saw route=%q body=%q", gotRoute, gotBody)
	}
	if len(frames) != 3 || frames[2] != `{"index":2}` {
		t.Errorf("unexpected frames %v", frames)
	}

	// Send only returns the first frame
	resp, err := client.Send(context.Background(), "/instances/default/queries/topk/tables/t?column=c", nil)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if string(resp) != `{"index":0}` {
		t.Errorf("unexpected response %s", resp)
	}
	if gotRoute != "/instances/default/queries/topk/tables/t?column=c" {
		t.Errorf("query string was not forwarded: %q", gotRoute)
	}
}

func TestHandlerErrorBeforeFirstFrame(t *testing.T) {
	_, client := newTestServer(t, func(ctx context.Context, route string, req []byte, send transport.FrameFunc) error {
		return errors.New("unknown route")
	})

	_, err := client.Send(context.Background(), "/nope", nil)
	var remote *transport.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if !strings.Contains(remote.Message, "unknown route") {
		t.Errorf("unexpected message %q", remote.Message)
	}
}

func TestHandlerErrorMidStream(t *testing.T) {
	_, client := newTestServer(t, func(ctx context.Context, route string, req []byte, send transport.FrameFunc) error {
		if err := send([]byte(`{"index":0}`)); err != nil {
			return err
		}
		return errors.New("engine crashed")
	})

	frames := 0
	err := client.Stream(context.Background(), "/batch", []byte(`{}`), func(f []byte) error {
		frames++
		return nil
	})
	if err == nil {
		t.Fatal("expected a broken stream to be reported")
	}
	if frames != 1 {
		t.Errorf("expected the frame before the failure, got %d", frames)
	}
}

func TestStreamCancel(t *testing.T) {
	_, client := newTestServer(t, func(ctx context.Context, route string, req []byte, send transport.FrameFunc) error {
		if err := send([]byte(`{"type":"heartbeat"}`)); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	err := client.Stream(ctx, "/watch", nil, func(f []byte) error {
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.GetOrCreateCounter("qplex_http_test_total").Inc()

	ts, _ := newTestServer(t, func(ctx context.Context, route string, req []byte, send transport.FrameFunc) error {
		return nil
	})

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("failed to get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "qplex_http_test_total 1") {
		t.Errorf("metric missing in output:\n%s", body)
	}
}

func TestNotConnected(t *testing.T) {
	client := NewHttpClientTransport()
	if _, err := client.Send(context.Background(), "/batch", nil); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}
