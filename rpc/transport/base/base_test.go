package base

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/transport"
)

// pipeConnector connects the client transport to a server transport over net.Pipe
type pipeConnector struct {
	server *serverTransport

	mu    sync.Mutex
	conns []net.Conn // server side ends
}

func (c *pipeConnector) Connect(endpoint string) (net.Conn, error) {
	client, srv := net.Pipe()
	c.mu.Lock()
	c.conns = append(c.conns, srv)
	c.mu.Unlock()
	go c.server.handleConnection(srv)
	return client, nil
}

func (c *pipeConnector) GetName() string { return "pipe" }

func (c *pipeConnector) UpgradeConnection(net.Conn, common.ClientConfig) error { return nil }

// dropConnections closes all server side ends
func (c *pipeConnector) dropConnections() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		conn.Close()
	}
	c.conns = nil
}

// newPipeTransport creates a connected client transport served by handler
func newPipeTransport(t *testing.T, handler transport.ServerHandleFunc) (transport.IRPCClientTransport, *pipeConnector) {
	t.Helper()

	server := NewBaseServerTransport(nil, 1024).(*serverTransport)
	server.RegisterHandler(handler)

	connector := &pipeConnector{server: server}
	client := NewBaseClientTransport(connector)

	config := common.DefaultClientConfig("pipe")
	config.Transport.RetryCount = 1
	if err := client.Connect(config); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, connector
}

// TestFrameRoundTrip tests the frame codec
func TestFrameRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	route, err := encodeRoute("/batch")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		_ = writeFrame(a, 42, frameRequest, route, []byte("body"))
		_ = writeFrame(a, 43, frameEnd)
	}()

	id, kind, data, err := readFrame(b, nil)
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	if id != 42 || kind != frameRequest {
		t.Errorf("unexpected header: id=%d kind=%s", id, kind)
	}
	r, body, err := decodeRequest(data)
	if err != nil || r != "/batch" || string(body) != "body" {
		t.Errorf("unexpected request payload: %q %q %v", r, body, err)
	}

	id, kind, data, err = readFrame(b, make([]byte, 8))
	if err != nil || id != 43 || kind != frameEnd || len(data) != 0 {
		t.Errorf("unexpected end frame: id=%d kind=%s len=%d err=%v", id, kind, len(data), err)
	}

	if _, _, err := decodeRequest([]byte{0, 9, 'x'}); err == nil {
		t.Error("expected error for truncated route")
	}
}

// TestStreamFrames tests that all frames of a stream arrive in order
func TestStreamFrames(t *testing.T) {
	client, _ := newPipeTransport(t, func(ctx context.Context, route string, req []byte, send transport.FrameFunc) error {
		for i := 0; i < 5; i++ {
			if err := send([]byte(fmt.Sprintf("%s-%d", req, i))); err != nil {
				return err
			}
		}
		return nil
	})

	var frames []string
	err := client.Stream(context.Background(), "/batch", []byte("f"), func(f []byte) error {
		frames = append(frames, string(f))
		return nil
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	if len(frames) != 5 {
		t.Fatalf("expected 5 frames, got %v", frames)
	}
	for i, f := range frames {
		if f != fmt.Sprintf("f-%d", i) {
			t.Errorf("frame %d: got %s", i, f)
		}
	}
}

// TestSendConcurrent tests request multiplexing over one connection
func TestSendConcurrent(t *testing.T) {
	client, _ := newPipeTransport(t, func(ctx context.Context, route string, req []byte, send transport.FrameFunc) error {
		// answer in reverse arrival order by sleeping a little
		time.Sleep(time.Duration(len(req)%5) * time.Millisecond)
		return send(append([]byte(route+":"), req...))
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := bytes.Repeat([]byte{'x'}, i+1)
			resp, err := client.Send(context.Background(), "/echo", body)
			if err != nil {
				t.Errorf("request %d failed: %v", i, err)
				return
			}
			if string(resp) != "/echo:"+string(body) {
				t.Errorf("request %d got foreign response %q", i, resp)
			}
		}(i)
	}
	wg.Wait()
}

// TestRemoteError tests that handler errors are reported to the caller
func TestRemoteError(t *testing.T) {
	client, _ := newPipeTransport(t, func(ctx context.Context, route string, req []byte, send transport.FrameFunc) error {
		return errors.New("table not found")
	})

	_, err := client.Send(context.Background(), "/instances/x/queries/topk/tables/t", nil)
	var remote *transport.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if remote.Message != "table not found" {
		t.Errorf("unexpected message %q", remote.Message)
	}
}

// TestCancelPropagates tests that cancelling the client context cancels the handler
func TestCancelPropagates(t *testing.T) {
	handlerCancelled := make(chan struct{})
	client, _ := newPipeTransport(t, func(ctx context.Context, route string, req []byte, send transport.FrameFunc) error {
		if err := send([]byte("first")); err != nil {
			return err
		}
		<-ctx.Done()
		close(handlerCancelled)
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	err := client.Stream(ctx, "/watch", nil, func(f []byte) error {
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	select {
	case <-handlerCancelled:
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled")
	}
}

// TestConnectionLoss tests that a lost connection fails the stream and is re-established
func TestConnectionLoss(t *testing.T) {
	client, connector := newPipeTransport(t, func(ctx context.Context, route string, req []byte, send transport.FrameFunc) error {
		if route == "/watch" {
			if err := send([]byte("open")); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		}
		return send([]byte("pong"))
	})

	err := client.Stream(context.Background(), "/watch", nil, func(f []byte) error {
		connector.dropConnections()
		return nil
	})
	if err == nil {
		t.Fatal("expected an error after the connection was dropped")
	}

	// the reader reconnects in the background
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := client.Send(context.Background(), "/ping", nil)
		if err == nil {
			if string(resp) != "pong" {
				t.Errorf("unexpected response %q", resp)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("transport did not recover: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
