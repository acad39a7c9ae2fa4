package http

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/transport"
)

// NewHttpClientTransport creates a client transport that speaks NDJSON over HTTP
func NewHttpClientTransport() transport.IRPCClientTransport {
	return &httpClientTransport{}
}

type httpClientTransport struct {
	serverURLs []*url.URL
	client     *http.Client
	counter    uint32
	retryCount int
	timeout    time.Duration
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *httpClientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	// Parse each server URL
	parsedURLs := make([]*url.URL, len(config.Transport.Endpoints))
	for i, server := range config.Transport.Endpoints {
		if !strings.Contains(server, "://") {
			server = "http://" + server
		}
		parsedURL, err := url.Parse(strings.TrimRight(server, "/"))
		if err != nil {
			return err
		}
		parsedURLs[i] = parsedURL
	}

	connectionsPerEP := config.Transport.ConnectionsPerEndpoint
	if connectionsPerEP < 1 {
		connectionsPerEP = 1
	}

	// No client wide timeout, streams are long-lived. One-shot requests are
	// bounded through their context
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: max(10, connectionsPerEP),
			IdleConnTimeout:     90 * time.Second,
			WriteBufferSize:     config.Transport.SocketConf.WriteBufferSize,
			ReadBufferSize:      config.Transport.SocketConf.ReadBufferSize,
		},
	}

	t.client = client
	t.serverURLs = parsedURLs
	t.counter = 0
	t.retryCount = max(1, config.Transport.RetryCount)
	t.timeout = time.Duration(config.TimeoutSecond) * time.Second

	return nil
}

func (t *httpClientTransport) Send(ctx context.Context, route string, req []byte) ([]byte, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	var resp []byte
	received := false
	err := t.Stream(ctx, route, req, func(f []byte) error {
		if !received {
			resp, received = f, true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !received {
		return nil, fmt.Errorf("empty response for %s", route)
	}
	return resp, nil
}

func (t *httpClientTransport) Stream(ctx context.Context, route string, req []byte, onFrame transport.FrameFunc) error {
	// Check if the transport is initialized
	if t.client == nil {
		return transport.ErrNotConnected
	}

	httpResponse, err := t.do(ctx, route, req)
	if err != nil {
		return err
	}
	defer func() {
		if err := httpResponse.Body.Close(); err != nil {
			Logger.Debugf("Failed to close response body: %v", err)
		}
	}()

	// Check if the response status code is OK
	if httpResponse.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))
		return &transport.RemoteError{Message: fmt.Sprintf("%s: %s", httpResponse.Status, strings.TrimSpace(string(msg)))}
	}

	// Every line of the body is one frame
	reader := bufio.NewReader(httpResponse.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			if frame := bytes.TrimRight(line, "\r\n"); len(frame) > 0 {
				if err := onFrame(frame); err != nil {
					return err
				}
			}
		}

		if err == io.EOF {
			if len(line) > 0 {
				// data without trailing newline means the stream was cut off
				return fmt.Errorf("stream of %s ended with a partial frame: %w", route, io.ErrUnexpectedEOF)
			}
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("stream of %s failed: %w", route, err)
		}
	}
}

func (t *httpClientTransport) Close() error {
	// Close the client
	if t.client != nil {
		t.client.CloseIdleConnections()
	}

	// Reset the client and server URLs
	t.client = nil
	t.serverURLs = nil

	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// do sends the request (with retries) to the next server via round-robin.
// Requests with a body are sent as POST, all others as GET
func (t *httpClientTransport) do(ctx context.Context, route string, req []byte) (*http.Response, error) {
	var lastErr error
	for i := 0; i < t.retryCount; i++ {
		idx := atomic.AddUint32(&t.counter, 1) % uint32(len(t.serverURLs))
		requestURL := t.serverURLs[idx].String() + route

		method := http.MethodGet
		var body io.Reader
		if req != nil {
			method = http.MethodPost
			body = bytes.NewReader(req)
		}

		httpRequest, err := http.NewRequestWithContext(ctx, method, requestURL, body)
		if err != nil {
			return nil, err
		}
		httpRequest.Header.Set("Accept", ndjsonContentType)

		httpResponse, err := t.client.Do(httpRequest)
		if err == nil {
			return httpResponse, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
		Logger.Debugf("Request attempt %d/%d for %s failed: %v", i+1, t.retryCount, route, err)
	}

	var urlErr *url.Error
	if errors.As(lastErr, &urlErr) {
		lastErr = urlErr.Err
	}
	return nil, fmt.Errorf("failed to send request after %d attempts: %w", t.retryCount, lastErr)
}
