package serve

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	cmdUtil "github.com/ValentinKolb/qplex/cmd/util"
	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	serveEngine    = &syntheticEngine{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the qplex reference server",
		Long:    `Start the qplex reference server with a synthetic query engine. The configuration can be set via command line flags or environment variables. The format of the environment variables is QPLEX_<flag> (e.g. QPLEX_DROP_RATE=0.1)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// add flags
	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the API will listen (e.g. localhost:8080, /tmp/qplex.sock, ...)"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Write timeout of the socket transports in seconds"))

	key = "workers"
	ServeCmd.PersistentFlags().Int(key, 16, cmdUtil.WrapString("How many queries of one batch are executed concurrently"))

	key = "metrics"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Expose prometheus metrics on /metrics (http transport only)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "delay-min"
	ServeCmd.PersistentFlags().Int(key, 5, cmdUtil.WrapString("Minimum execution time of a synthetic query in milliseconds"))

	key = "delay-max"
	ServeCmd.PersistentFlags().Int(key, 200, cmdUtil.WrapString("Maximum execution time of a synthetic query in milliseconds"))

	key = "drop-rate"
	ServeCmd.PersistentFlags().Float64(key, 0, cmdUtil.WrapString("Fraction of batched queries that are never answered (0..1)"))

	key = "fail-rate"
	ServeCmd.PersistentFlags().Float64(key, 0, cmdUtil.WrapString("Fraction of queries answered with an error (0..1)"))

	key = "heartbeat"
	ServeCmd.PersistentFlags().Duration(key, 5*time.Second, cmdUtil.WrapString("Interval of the heartbeat events on the watch stream"))

	key = "change-interval"
	ServeCmd.PersistentFlags().Duration(key, 0, cmdUtil.WrapString("Publish a synthetic table-changed event on the watch stream at this interval (0 disables)"))

	key = "tables"
	ServeCmd.PersistentFlags().String(key, "orders,customers,events", cmdUtil.WrapString("Comma-separated table names used for synthetic change events"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.MaxWorkersPerConn = viper.GetInt("workers")
	serveCmdConfig.Metrics = viper.GetBool("metrics")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.SocketConf = common.SocketConf{WriteBufferSize: 512 * 1024, ReadBufferSize: 512 * 1024}
	serveCmdConfig.TCPConf = common.TCPConf{TCPNoDelay: true, TCPKeepAliveSec: 30, TCPLingerSec: -1}

	if err := common.ValidLogLevel(serveCmdConfig.LogLevel); err != nil {
		return err
	}

	// synthetic engine
	serveEngine.minDelay = time.Duration(viper.GetInt("delay-min")) * time.Millisecond
	serveEngine.maxDelay = time.Duration(viper.GetInt("delay-max")) * time.Millisecond
	serveEngine.dropRate = viper.GetFloat64("drop-rate")
	serveEngine.failRate = viper.GetFloat64("fail-rate")

	if serveEngine.minDelay < 0 || serveEngine.maxDelay < serveEngine.minDelay {
		return fmt.Errorf("invalid delay range [%s, %s]", serveEngine.minDelay, serveEngine.maxDelay)
	}
	if serveEngine.dropRate < 0 || serveEngine.failRate < 0 || serveEngine.dropRate+serveEngine.failRate > 1 {
		return fmt.Errorf("drop-rate and fail-rate must be in [0, 1] and sum to at most 1")
	}
	if viper.GetDuration("heartbeat") <= 0 {
		return fmt.Errorf("heartbeat must be positive")
	}

	return nil
}

// run starts the qplex reference server
func run(cmd *cobra.Command, _ []string) error {
	// parse the serializer and the transport
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	t, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}

	source := server.NewHeartbeatSource(viper.GetDuration("heartbeat"))
	if interval := viper.GetDuration("change-interval"); interval > 0 {
		go publishChanges(cmd.Context(), source, interval, cmdUtil.SplitList(viper.GetString("tables")))
	}

	serv := server.NewRPCServer(
		*serveCmdConfig,
		t,
		s,
		serveEngine,
		source,
	)

	return serv.Serve()
}

// publishChanges emits a table-changed event for a random table every interval
func publishChanges(ctx context.Context, source *server.HeartbeatSource, interval time.Duration, tables []string) {
	if len(tables) == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			source.Publish(common.WatchEvent{
				Type:     "table-changed",
				Instance: "default",
				Table:    tables[rand.IntN(len(tables))],
			})
		}
	}
}
