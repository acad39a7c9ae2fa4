package base

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/rpc")

const (
	// streamBuffer is the number of frames buffered per request before the reader blocks
	streamBuffer = 64
	// reconnect backoff bounds
	minReconnectDelay = 50 * time.Millisecond
	maxReconnectDelay = 5 * time.Second
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to the endpoint
	Connect(endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// pendingStream receives the frames of one in flight request
type pendingStream struct {
	frames chan frame
	done   chan struct{} // closed once the caller stops listening
}

// clientConnection represents a single net connection
type clientConnection struct {
	conn     net.Conn
	endpoint string
	stopCh   chan struct{} // Close signal for the reader goroutine
	streams  *xsync.MapOf[uint64, *pendingStream]
	connMu   sync.Mutex // Protects the connection itself
	healthy  atomic.Bool
	parent   *clientTransport
}

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector     IClientConnector
	config        common.ClientConfig
	connections   []*clientConnection
	connectionsMu sync.RWMutex
	nextConnIndex uint64 // Atomic counter for Round Robin
	nextRequestID uint64 // Atomic counter for unique request IDs
	stopping      atomic.Bool
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{
		connector:     connector,
		nextRequestID: 1, // Start from 1
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	// Close all existing connections
	t.closeConnections()

	// Store the config
	t.config = config
	t.stopping.Store(false)

	// Set default value for ConnectionsPerEndpoint
	connectionsPerEP := 1
	if config.Transport.ConnectionsPerEndpoint > 0 {
		connectionsPerEP = config.Transport.ConnectionsPerEndpoint
	}

	connections := make([]*clientConnection, 0, len(config.Transport.Endpoints)*connectionsPerEP)

	for _, endpoint := range config.Transport.Endpoints {
		// Create multiple connections per endpoint
		for i := 0; i < connectionsPerEP; i++ {
			clientConn := &clientConnection{
				endpoint: endpoint,
				stopCh:   make(chan struct{}),
				streams:  xsync.NewMapOf[uint64, *pendingStream](),
				parent:   t,
			}

			// Establish the initial connection
			if err := clientConn.reconnect(); err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v", endpoint, i+1, connectionsPerEP, err)
				continue
			}

			connections = append(connections, clientConn)
			Logger.Debugf("Connected to %s (connection %d/%d)", endpoint, i+1, connectionsPerEP)

			// Start the frame reader
			go clientConn.readFrames()
		}
	}

	// Check if we have at least one connection
	if len(connections) == 0 {
		return fmt.Errorf("failed to connect to any endpoint")
	}

	t.connectionsMu.Lock()
	t.connections = connections
	t.connectionsMu.Unlock()

	Logger.Infof("Connected to %d out of %d connections to %d endpoints using %s transport",
		len(connections), len(config.Transport.Endpoints)*connectionsPerEP, len(config.Transport.Endpoints), t.connector.GetName())

	return nil
}

func (t *clientTransport) Send(ctx context.Context, route string, req []byte) ([]byte, error) {
	if t.config.TimeoutSecond > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t.config.TimeoutSecond)*time.Second)
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

func (t *clientTransport) Stream(ctx context.Context, route string, req []byte, onFrame transport.FrameFunc) error {
	if t.stopping.Load() {
		return transport.ErrNotConnected
	}

	prefix, err := encodeRoute(route)
	if err != nil {
		return err
	}

	// Retry logic with exponential backoff.
	// Only attempts that failed before the first response frame are retried
	var lastErr error

	maxRetries := t.config.Transport.RetryCount
	if maxRetries < 1 {
		maxRetries = 1
	}

	// Initial backoff duration in milliseconds
	backoffMs := 50

	for i := 0; i < maxRetries; i++ {
		conn := t.getNextConnection()
		if conn == nil {
			return fmt.Errorf("no active connections available")
		}

		// Every attempt gets its own id, late frames of an aborted attempt are dropped
		requestID := atomic.AddUint64(&t.nextRequestID, 1)

		retryable, err := conn.stream(ctx, requestID, prefix, req, onFrame)
		if err == nil || !retryable || ctx.Err() != nil {
			return err
		}

		lastErr = err
		Logger.Debugf("Request attempt %d/%d for %s failed: %v", i+1, maxRetries, route, err)

		if i < maxRetries-1 {
			// Exponential backoff with a small random jitter (+-10%)
			jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
			select {
			case <-time.After(time.Duration(jitter) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoffMs *= 2
		}
	}

	// All attempts failed
	return fmt.Errorf("failed to send request after %d attempts: %w", maxRetries, lastErr)
}

func (t *clientTransport) Close() error {
	t.stopping.Store(true)
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// getNextConnection selects the next healthy connection via Round Robin
func (t *clientTransport) getNextConnection() *clientConnection {
	t.connectionsMu.RLock()
	defer t.connectionsMu.RUnlock()

	n := len(t.connections)
	if n == 0 {
		return nil
	}
	if n == 1 {
		// optimize for single connection
		return t.connections[0]
	}

	start := atomic.AddUint64(&t.nextConnIndex, 1)
	for i := 0; i < n; i++ {
		c := t.connections[(start+uint64(i))%uint64(n)]
		if c.healthy.Load() {
			return c
		}
	}
	// none healthy, let the request fail on the next one
	return t.connections[start%uint64(n)]
}

// closeConnections closes all active connections
func (t *clientTransport) closeConnections() {
	t.connectionsMu.Lock()
	defer t.connectionsMu.Unlock()

	for _, conn := range t.connections {
		// Signal reader goroutine to stop
		close(conn.stopCh)

		// Close the connection, this unblocks the reader
		conn.connMu.Lock()
		if conn.conn != nil {
			conn.conn.Close()
		}
		conn.connMu.Unlock()
	}

	// Empty the list
	t.connections = nil
}

// stream runs one request on this connection. retryable is true if the
// request failed before any response frame was received
func (c *clientConnection) stream(
	ctx context.Context,
	requestID uint64,
	prefix, body []byte,
	onFrame transport.FrameFunc,
) (retryable bool, err error) {
	s := &pendingStream{
		frames: make(chan frame, streamBuffer),
		done:   make(chan struct{}),
	}
	c.streams.Store(requestID, s)
	defer func() {
		c.streams.Delete(requestID)
		close(s.done)
	}()

	if err := c.write(requestID, frameRequest, prefix, body); err != nil {
		return true, err
	}

	received := false
	for {
		select {
		case f := <-s.frames:
			switch {
			case f.err != nil:
				return !received, f.err
			case f.kind == frameData:
				received = true
				if err := onFrame(f.data); err != nil {
					c.cancelRemote(requestID)
					return false, err
				}
			case f.kind == frameEnd:
				return false, nil
			case f.kind == frameError:
				return false, &transport.RemoteError{Message: string(f.data)}
			default:
				Logger.Warningf("Unexpected %s frame for request %d", f.kind, requestID)
			}
		case <-ctx.Done():
			c.cancelRemote(requestID)
			return false, ctx.Err()
		}
	}
}

// write writes a single frame, writes are serialized per connection
func (c *clientConnection) write(requestID uint64, kind frameKind, data ...[]byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("connection to %s is closed", c.endpoint)
	}

	if c.parent.config.TimeoutSecond > 0 {
		timeout := time.Duration(c.parent.config.TimeoutSecond) * time.Second
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}

	return writeFrame(c.conn, requestID, kind, data...)
}

// cancelRemote tells the server to stop working on a request, failures are ignored
func (c *clientConnection) cancelRemote(requestID uint64) {
	if err := c.write(requestID, frameCancel); err != nil {
		Logger.Debugf("Failed to cancel request %d: %v", requestID, err)
	}
}

// deliver hands a frame to a waiting request unless the request already returned
func (c *clientConnection) deliver(s *pendingStream, f frame) {
	select {
	case s.frames <- f:
	case <-s.done:
	}
}

// failStreams fails every in flight request of this connection
func (c *clientConnection) failStreams(err error) {
	c.streams.Range(func(_ uint64, s *pendingStream) bool {
		c.deliver(s, frame{err: err})
		return true
	})
}

// readFrames reads frames in a loop and distributes them to waiting requests
func (c *clientConnection) readFrames() {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			if !c.reconnectWithBackoff() {
				return
			}
			continue
		}

		requestID, kind, data, err := readFrame(conn, nil)
		if err != nil {
			select {
			case <-c.stopCh:
				c.failStreams(transport.ErrNotConnected)
				return
			default:
			}

			Logger.Warningf("Connection to %s lost: %v", c.endpoint, err)
			c.healthy.Store(false)
			c.failStreams(fmt.Errorf("connection to %s lost: %w", c.endpoint, err))

			if !c.reconnectWithBackoff() {
				return
			}
			continue
		}

		s, found := c.streams.Load(requestID)
		if !found {
			// the request already returned (cancelled or aborted)
			Logger.Debugf("Dropping %s frame for unknown request ID %d", kind, requestID)
			continue
		}
		c.deliver(s, frame{kind: kind, data: data})
	}
}

// reconnectWithBackoff retries reconnect until it succeeds or the connection is closed
func (c *clientConnection) reconnectWithBackoff() bool {
	delay := minReconnectDelay
	for {
		select {
		case <-c.stopCh:
			return false
		default:
		}

		err := c.reconnect()
		if err == nil {
			Logger.Infof("Reconnected to %s", c.endpoint)
			return true
		}
		Logger.Debugf("Reconnect to %s failed: %v", c.endpoint, err)

		// Exponential backoff with a small random jitter (+-10%)
		jitter := time.Duration(float64(delay) * (0.9 + 0.2*rand.Float64()))
		select {
		case <-time.After(jitter):
		case <-c.stopCh:
			return false
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// reconnect establishes or restores a connection to the endpoint
func (c *clientConnection) reconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	// Close the old connection if it exists
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	// Connect to the endpoint
	conn, err := c.parent.connector.Connect(c.endpoint)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}

	// Upgrade the connection with protocol-specific settings
	if err := c.parent.connector.UpgradeConnection(conn, c.parent.config); err != nil {
		conn.Close()
		return fmt.Errorf("failed to upgrade connection to %s: %w", c.endpoint, err)
	}

	// a Close may have raced with the dial
	select {
	case <-c.stopCh:
		conn.Close()
		return errors.New("transport closed")
	default:
	}

	c.conn = conn
	c.healthy.Store(true)
	return nil
}
