package util

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/serializer"
	"github.com/ValentinKolb/qplex/rpc/transport"
	"github.com/ValentinKolb/qplex/rpc/transport/http"
	"github.com/ValentinKolb/qplex/rpc/transport/tcp"
	"github.com/ValentinKolb/qplex/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables (e.g. QPLEX_BATCH_WINDOW)
	EnvPrefix = "qplex"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var line strings.Builder

	for _, word := range strings.Fields(text) {
		// Check if we need to wrap
		if line.Len() > 0 && line.Len()+1+len(word) > Wrap {
			wrappedLines = append(wrappedLines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}

	// Add any remaining text
	if line.Len() > 0 {
		wrappedLines = append(wrappedLines, line.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads the env files and configures viper to read QPLEX_ variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// --------------------------------------------------------------------------
// Client Configuration
// --------------------------------------------------------------------------

// SetupRPCClientFlags adds the client flags (transport, queue, batch and stream) to a command
func SetupRPCClientFlags(cmd *cobra.Command) {
	def := common.DefaultClientConfig()
	flags := cmd.PersistentFlags()

	key := "timeout"
	flags.Int(key, def.TimeoutSecond, WrapString("The timeout in seconds of single query requests"))

	key = "log-level"
	flags.String(key, "warn", WrapString("The level at which logs will be output (debug, info, warn, error)"))

	// transport

	key = "transport-endpoints"
	flags.String(key, "http://localhost:8080", WrapString("The address of the qplex server. For transports that support load balancing, multiple endpoints can be specified as a comma-separated list"))

	key = "transport-conn-per-endpoint"
	flags.Int(key, def.Transport.ConnectionsPerEndpoint, WrapString("Simultaneous connections per endpoint - for transports that support this feature"))

	key = "transport-retries"
	flags.Int(key, def.Transport.RetryCount, WrapString("How many times to retry a request before the first response frame"))

	key = "transport-write-buffer"
	flags.Int(key, def.Transport.SocketConf.WriteBufferSize/1024, WrapString("The size of the write buffer for the transport (in KB, ignored for http)"))

	key = "transport-read-buffer"
	flags.Int(key, def.Transport.SocketConf.ReadBufferSize/1024, WrapString("The size of the read buffer for the transport (in KB, ignored for http)"))

	key = "transport-tcp-nodelay"
	flags.Bool(key, def.Transport.TCPConf.TCPNoDelay, WrapString("Whether to enable TCP_NODELAY for the transport (only for tcp)"))

	key = "transport-tcp-keepalive"
	flags.Int(key, def.Transport.TCPConf.TCPKeepAliveSec, WrapString("The keepalive interval for the transport (in seconds, only for tcp)"))

	key = "transport-tcp-linger"
	flags.Int(key, def.Transport.TCPConf.TCPLingerSec, WrapString("The linger time for the transport (in seconds, only for tcp)"))

	// queue and batching

	key = "queue-workers"
	flags.Int(key, def.Queue.Workers, WrapString("How many queued queries may run at the same time"))

	key = "batch-window"
	flags.Int(key, def.Batch.WindowMillisecond, WrapString("Coalescing window of the batcher in milliseconds (0 sends every query on its own)"))

	key = "batch-stream-window"
	flags.Int(key, def.Batch.StreamWindowMillisecond, WrapString("Coalescing window of the streaming batch client in milliseconds"))

	key = "batch-max-size"
	flags.Int(key, def.Batch.MaxBatchSize, WrapString("Maximum number of queries per batch request (0 is unlimited)"))

	// stream

	key = "stream-route"
	flags.String(key, def.Stream.Route, WrapString("Route of the long-lived change stream"))

	key = "stream-base-delay"
	flags.Int(key, def.Stream.BaseDelayMillisecond, WrapString("Initial reconnect delay in milliseconds"))

	key = "stream-max-delay"
	flags.Int(key, def.Stream.MaxDelayMillisecond, WrapString("Upper bound of the reconnect delay in milliseconds"))

	key = "stream-multiplier"
	flags.Float64(key, def.Stream.Multiplier, WrapString("Growth factor of the reconnect delay"))

	key = "stream-jitter"
	flags.Float64(key, def.Stream.Jitter, WrapString("Random jitter applied to every reconnect delay (0.1 = +-10%)"))

	key = "stream-retries"
	flags.Int(key, def.Stream.MaxRetryAttempts, WrapString("Consecutive failed connection attempts before the stream is closed"))

	key = "stream-min-stable"
	flags.Int(key, def.Stream.MinStableMillisecond, WrapString("How long a connection must stay open (in milliseconds) to reset the backoff"))
}

// GetClientConfig reads the client configuration from viper
func GetClientConfig() *common.ClientConfig {
	def := common.DefaultClientConfig()

	conf := &common.ClientConfig{
		TimeoutSecond: viper.GetInt("timeout"),
		Transport: common.ClientTransportConfig{
			RetryCount:             viper.GetInt("transport-retries"),
			Endpoints:              SplitList(viper.GetString("transport-endpoints")),
			ConnectionsPerEndpoint: viper.GetInt("transport-conn-per-endpoint"),
			SocketConf: common.SocketConf{
				WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
				ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
			},
			TCPConf: common.TCPConf{
				TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
				TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
				TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
			},
		},
		Queue: common.QueueConfig{
			Workers: viper.GetInt("queue-workers"),
		},
		Batch: common.BatchConfig{
			WindowMillisecond:       viper.GetInt("batch-window"),
			StreamWindowMillisecond: viper.GetInt("batch-stream-window"),
			MaxBatchSize:            viper.GetInt("batch-max-size"),
		},
		Stream: common.StreamConfig{
			Route:                 viper.GetString("stream-route"),
			BaseDelayMillisecond:  viper.GetInt("stream-base-delay"),
			MaxDelayMillisecond:   viper.GetInt("stream-max-delay"),
			Multiplier:            viper.GetFloat64("stream-multiplier"),
			Jitter:                viper.GetFloat64("stream-jitter"),
			MaxRetryAttempts:      viper.GetInt("stream-retries"),
			MinStableMillisecond:  viper.GetInt("stream-min-stable"),
			AutoCloseShortSecond:  def.Stream.AutoCloseShortSecond,
			AutoCloseNormalSecond: def.Stream.AutoCloseNormalSecond,
		},
		LogLevel: viper.GetString("log-level"),
	}

	return conf
}

// --------------------------------------------------------------------------
// Serializer & Transport Selection
// --------------------------------------------------------------------------

// GetSerializer creates a serializer based on configuration
func GetSerializer() (serializer.IRPCSerializer, error) {
	s, err := NewSerializer(viper.GetString("serializer"))
	if err != nil {
		return nil, err
	}
	if err := CheckCompatibility(viper.GetString("transport"), s); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSerializer returns the serializer with the given name (json, gob, binary)
func NewSerializer(name string) (serializer.IRPCSerializer, error) {
	switch name {
	case "json":
		return serializer.NewJSONSerializer(), nil
	case "gob":
		return serializer.NewGOBSerializer(), nil
	case "binary":
		return serializer.NewBinarySerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %s", name)
	}
}

// CheckCompatibility returns an error if the serializer can not be used with the transport.
// The http transport delimits frames by newlines and therefore requires json
func CheckCompatibility(transportName string, s serializer.IRPCSerializer) error {
	if transportName == "http" && s.Name() != "json" {
		return fmt.Errorf("the http transport requires the json serializer (got %s)", s.Name())
	}
	return nil
}

// GetTransport creates a client transport based on configuration
func GetTransport() (transport.IRPCClientTransport, error) {
	switch viper.GetString("transport") {
	case "http":
		return http.NewHttpClientTransport(), nil
	case "tcp":
		return tcp.NewTCPClientTransport(), nil
	case "unix":
		return unix.NewUnixClientTransport(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// GetServerTransport creates a server transport based on configuration
func GetServerTransport() (transport.IRPCServerTransport, error) {
	switch viper.GetString("transport") {
	case "http":
		return http.NewHttpServerTransport(), nil
	case "tcp":
		return tcp.NewTCPServerTransportWithBuffer(64 * 1024), nil
	case "unix":
		return unix.NewUnixServerTransport(64 * 1024), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// SplitList splits a comma separated list and drops empty elements
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
