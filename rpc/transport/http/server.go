package http

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport/rpc")

const ndjsonContentType = "application/x-ndjson"

var newline = []byte{'\n'}

// NewHttpServerTransport creates a server transport that streams frames as NDJSON
func NewHttpServerTransport() transport.IRPCServerTransport {
	return &httpServerTransport{}
}

type httpServerTransport struct {
	handler transport.ServerHandleFunc
	config  common.ServerConfig
	mu      sync.Mutex
	server  *http.Server
	closed  bool
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *httpServerTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *httpServerTransport) Listen(config common.ServerConfig) error {
	t.config = config

	// Set up the server with the address and handler
	server := &http.Server{
		Addr:    config.Endpoint,
		Handler: t.Handler(),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.server = server
	t.mu.Unlock()

	Logger.Infof("Starting HTTP server on %s", config.Endpoint)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (t *httpServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	if t.server == nil {
		return nil
	}
	return t.server.Close()
}

// Handler returns the http.Handler of the transport, used by Listen and by tests
func (t *httpServerTransport) Handler() http.Handler {
	mux := http.NewServeMux()

	if t.config.Metrics {
		mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.WritePrometheus(w, true)
		})
	}

	// every other route is handed to the registered handler
	if t.config.LogLevel == "debug" {
		mux.HandleFunc("/", loggerMiddleware(t.handleRequest))
	} else {
		mux.HandleFunc("/", t.handleRequest)
	}

	return mux
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handleRequest hands the request to the handler and writes every frame as one line
func (t *httpServerTransport) handleRequest(w http.ResponseWriter, r *http.Request) {
	if t.handler == nil {
		http.Error(w, "no handler registered", http.StatusServiceUnavailable)
		return
	}

	// Read request body
	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()

	// Check if body could be read
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	flusher, _ := w.(http.Flusher)
	ctx := r.Context()
	started := false

	send := func(frame []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !started {
			w.Header().Set("Content-Type", ndjsonContentType)
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
		if _, err := w.Write(newline); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	route := r.URL.RequestURI()
	if err := t.handler(ctx, route, body, send); err != nil {
		if !started {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		// the status line is already sent, abort the response so the
		// client sees a broken stream instead of a clean end
		Logger.Warningf("Aborting stream of %s: %v", route, err)
		panic(http.ErrAbortHandler)
	}

	if !started {
		// handler completed without a frame, answer with an empty stream
		w.Header().Set("Content-Type", ndjsonContentType)
		w.WriteHeader(http.StatusOK)
	}
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter is a custom ResponseWriter that captures status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer, streaming depends on it
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// loggerMiddleware is a middleware that logs HTTP requests
func loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create custom response writer to capture status code
		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		// Log the request, also if the handler aborted the stream
		defer func() {
			Logger.Debugf("%s %s => %d took %s", r.Method, r.URL.RequestURI(), rw.statusCode, time.Since(start))
		}()

		next.ServeHTTP(rw, r)
	}
}
