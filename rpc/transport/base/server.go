package base

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// defaultWorkersPerConn is used if ServerConfig.MaxWorkersPerConn is not set
const defaultWorkersPerConn = 16

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.ServerConfig) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.ServerConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector  IServerConnector
	handler    transport.ServerHandleFunc
	config     common.ServerConfig
	listener   net.Listener
	listenerMu sync.Mutex
	bufferPool *sync.Pool
	conns      *xsync.MapOf[net.Conn, struct{}]
	closed     atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport with a per-connection worker limit
func NewBaseServerTransport(connector IServerConnector, bufferSize int) transport.IRPCServerTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &serverTransport{
		connector: connector,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return make([]byte, bufferSize)
			},
		},
		conns:  xsync.NewMapOf[net.Conn, struct{}](),
		ctx:    ctx,
		cancel: cancel,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *serverTransport) Listen(config common.ServerConfig) error {
	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}
	t.config = config

	// Create listener using the connector
	listener, err := t.connector.Listen(config)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	t.listenerMu.Lock()
	if t.closed.Load() {
		t.listenerMu.Unlock()
		listener.Close()
		return nil
	}
	t.listener = listener
	t.listenerMu.Unlock()

	Logger.Infof("Starting %s server on %s with %d workers per connection",
		t.connector.GetName(), config.Endpoint, t.workersPerConn())

	// Accept connections
	for {
		conn, err := listener.Accept()
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			Logger.Errorf("Accept error: %v", err)
			continue
		}

		if err := t.connector.UpgradeConnection(conn, config); err != nil {
			Logger.Warningf("Failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
		}

		// Handle the connection in a goroutine
		t.conns.Store(conn, struct{}{})
		go func() {
			defer t.conns.Delete(conn)
			t.handleConnection(conn)
		}()
	}
}

func (t *serverTransport) Close() error {
	t.closed.Store(true)
	t.cancel()

	t.listenerMu.Lock()
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	t.listenerMu.Unlock()

	t.conns.Range(func(conn net.Conn, _ struct{}) bool {
		conn.Close()
		return true
	})
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *serverTransport) workersPerConn() int {
	if t.config.MaxWorkersPerConn > 0 {
		return t.config.MaxWorkersPerConn
	}
	return defaultWorkersPerConn
}

// handleConnection handles incoming requests for one connection
func (t *serverTransport) handleConnection(conn net.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()

	// Timeout in seconds
	timeout := time.Duration(t.config.TimeoutSecond) * time.Second

	// The buffered channel acts as a counting semaphore limiting concurrent handlers.
	// It is acquired by the worker, the reader never blocks so cancel frames are always seen
	workerSemaphore := make(chan struct{}, t.workersPerConn())

	// Create a wait group to wait for all workers to finish
	var wg sync.WaitGroup

	// Create a mutex to protect writes to the connection
	var connMutex sync.Mutex

	// Cancel functions of running requests
	running := xsync.NewMapOf[uint64, context.CancelFunc]()

	write := func(requestID uint64, kind frameKind, data ...[]byte) error {
		connMutex.Lock()
		defer connMutex.Unlock()

		if timeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
				return fmt.Errorf("failed to set write deadline: %w", err)
			}
		}
		return writeFrame(conn, requestID, kind, data...)
	}

	// serve runs the handler for one request in a worker goroutine
	serve := func(reqCtx context.Context, requestID uint64, route string, body []byte) {
		select {
		case workerSemaphore <- struct{}{}:
		case <-reqCtx.Done():
			return
		}
		defer func() { <-workerSemaphore }()

		start := time.Now()
		err := t.handler(reqCtx, route, body, func(f []byte) error {
			if err := reqCtx.Err(); err != nil {
				return err
			}
			return write(requestID, frameData, f)
		})
		Logger.Debugf("Processed %s with requestID %d took %s", route, requestID, time.Since(start))

		// the client is gone or cancelled the request, nobody reads the result
		if reqCtx.Err() != nil {
			return
		}

		if err != nil {
			err = write(requestID, frameError, []byte(err.Error()))
		} else {
			err = write(requestID, frameEnd)
		}
		if err != nil {
			Logger.Errorf("Failed to write response: %v", err)
		}
	}

	// Function to handle incoming frames
	handleFrame := func() error {
		// Get a buffer from the pool
		buf := t.bufferPool.Get().([]byte)

		requestID, kind, data, err := readFrame(conn, buf)
		if err != nil {
			t.bufferPool.Put(buf)
			return err
		}

		switch kind {
		case frameRequest:
			route, body, err := decodeRequest(data)
			if err != nil {
				t.bufferPool.Put(buf)
				return write(requestID, frameError, []byte(err.Error()))
			}

			reqCtx, reqCancel := context.WithCancel(ctx)
			running.Store(requestID, reqCancel)

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer t.bufferPool.Put(buf)
				defer running.Delete(requestID)
				defer reqCancel()
				serve(reqCtx, requestID, route, body)
			}()

		case frameCancel:
			t.bufferPool.Put(buf)
			if reqCancel, ok := running.Load(requestID); ok {
				reqCancel()
			}

		default:
			t.bufferPool.Put(buf)
			Logger.Warningf("Ignoring unexpected %s frame from client", kind)
		}

		return nil
	}

	// Handle frames in a loop
	for {
		err := handleFrame()

		// Case EOF: Connection closed by client
		if err == io.EOF {
			Logger.Debugf("Connection closed by client")
			break
		}

		// Case error: log and close connection
		if err != nil {
			if !t.closed.Load() {
				Logger.Errorf("Error handling request: %v", err)
			}
			break
		}
	}

	// The client is gone, stop all handlers of this connection before closing it
	cancel()
	wg.Wait()
}
