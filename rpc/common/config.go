package common

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Transport configuration
// --------------------------------------------------------------------------

// SocketConf holds buffer settings shared by the socket based transports
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds settings only applied to tcp connections
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int // negative leaves the os default
}

// ClientTransportConfig configures the client side transport
type ClientTransportConfig struct {
	Endpoints              []string
	RetryCount             int
	ConnectionsPerEndpoint int
	SocketConf             SocketConf
	TCPConf                TCPConf
}

// --------------------------------------------------------------------------
// Component configuration
// --------------------------------------------------------------------------

// QueueConfig configures the priority query queue
type QueueConfig struct {
	// Workers bounds the number of concurrently dispatched queries
	Workers int
}

// BatchConfig configures the request batcher and the batch client
type BatchConfig struct {
	// WindowMillisecond is the coalescing window of the request batcher
	WindowMillisecond int
	// StreamWindowMillisecond merges Fetch calls of the batch client into one
	// network operation (0 = every call is sent immediately)
	StreamWindowMillisecond int
	// MaxBatchSize splits larger flushes into several calls (0 = unbounded)
	MaxBatchSize int
}

// Window returns the coalescing window as a duration
func (c BatchConfig) Window() time.Duration {
	return time.Duration(c.WindowMillisecond) * time.Millisecond
}

// StreamWindow returns the merge window of the batch client as a duration
func (c BatchConfig) StreamWindow() time.Duration {
	return time.Duration(c.StreamWindowMillisecond) * time.Millisecond
}

// StreamConfig configures the resilient stream connection manager
type StreamConfig struct {
	Route                 string
	BaseDelayMillisecond  int
	MaxDelayMillisecond   int
	Multiplier            float64
	Jitter                float64 // fraction of the delay, 0 disables jitter
	MaxRetryAttempts      int
	MinStableMillisecond  int
	AutoCloseShortSecond  int
	AutoCloseNormalSecond int // 0 disables auto close
}

// BaseDelay returns the initial backoff delay
func (c StreamConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMillisecond) * time.Millisecond
}

// MaxDelay returns the backoff cap
func (c StreamConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMillisecond) * time.Millisecond
}

// MinStable returns the duration a connection has to stay open to reset the backoff
func (c StreamConfig) MinStable() time.Duration {
	return time.Duration(c.MinStableMillisecond) * time.Millisecond
}

// AutoCloseShort returns the short idle threshold
func (c StreamConfig) AutoCloseShort() time.Duration {
	return time.Duration(c.AutoCloseShortSecond) * time.Second
}

// AutoCloseNormal returns the normal idle threshold
func (c StreamConfig) AutoCloseNormal() time.Duration {
	return time.Duration(c.AutoCloseNormalSecond) * time.Second
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientConfig holds all configuration parameters of the qplex client
type ClientConfig struct {
	TimeoutSecond int
	Transport     ClientTransportConfig
	Queue         QueueConfig
	Batch         BatchConfig
	Stream        StreamConfig
	LogLevel      string
}

// DefaultClientConfig returns a configuration with sensible defaults for a single endpoint
func DefaultClientConfig(endpoints ...string) ClientConfig {
	return ClientConfig{
		TimeoutSecond: 30,
		Transport: ClientTransportConfig{
			Endpoints:              endpoints,
			RetryCount:             3,
			ConnectionsPerEndpoint: 1,
			SocketConf: SocketConf{
				WriteBufferSize: 512 * 1024,
				ReadBufferSize:  512 * 1024,
			},
			TCPConf: TCPConf{
				TCPNoDelay:      true,
				TCPKeepAliveSec: 30,
				TCPLingerSec:    -1,
			},
		},
		Queue: QueueConfig{
			Workers: 8,
		},
		Batch: BatchConfig{
			WindowMillisecond:       100,
			StreamWindowMillisecond: 0,
			MaxBatchSize:            0,
		},
		Stream: StreamConfig{
			Route:                 RouteWatch,
			BaseDelayMillisecond:  1000,
			MaxDelayMillisecond:   30000,
			Multiplier:            2,
			Jitter:                0.1,
			MaxRetryAttempts:      10,
			MinStableMillisecond:  5000,
			AutoCloseShortSecond:  10,
			AutoCloseNormalSecond: 120,
		},
		LogLevel: "info",
	}
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-24s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.Transport.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.Transport.ConnectionsPerEndpoint)))))
	addField("Log Level", c.LogLevel)

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	// Scheduling
	addSection("Scheduling")
	addField("Queue Workers", strconv.Itoa(c.Queue.Workers))
	addField("Batch Window", fmt.Sprintf("%d ms", c.Batch.WindowMillisecond))
	addField("Stream Window", fmt.Sprintf("%d ms", c.Batch.StreamWindowMillisecond))
	if c.Batch.MaxBatchSize > 0 {
		addField("Max Batch Size", strconv.Itoa(c.Batch.MaxBatchSize))
	} else {
		addField("Max Batch Size", "unbounded")
	}

	// Stream connection
	addSection("Stream Connection")
	addField("Route", c.Stream.Route)
	addField("Backoff", fmt.Sprintf("%d ms * %.1f^n (max %d ms, jitter %.0f%%)",
		c.Stream.BaseDelayMillisecond, c.Stream.Multiplier, c.Stream.MaxDelayMillisecond, c.Stream.Jitter*100))
	addField("Max Retry Attempts", strconv.Itoa(c.Stream.MaxRetryAttempts))
	addField("Min Stable", fmt.Sprintf("%d ms", c.Stream.MinStableMillisecond))
	addField("Auto Close", fmt.Sprintf("short %d sec, normal %d sec", c.Stream.AutoCloseShortSecond, c.Stream.AutoCloseNormalSecond))

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of the reference server
type ServerConfig struct {
	// Transport settings
	Endpoint          string
	TimeoutSecond     int64
	MaxWorkersPerConn int
	SocketConf        SocketConf
	TCPConf           TCPConf

	// Expose /metrics (http transport only)
	Metrics bool

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Workers Per Conn", strconv.Itoa(c.MaxWorkersPerConn))
	addField("Metrics", strconv.FormatBool(c.Metrics))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
