package query

import (
	"github.com/ValentinKolb/qplex/cmd/util"
	"github.com/ValentinKolb/qplex/rpc/client"
	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/serializer"
	"github.com/ValentinKolb/qplex/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
)

var Logger = logger.GetLogger("cli")

var (
	clientConfig     *common.ClientConfig
	clientSerializer serializer.IRPCSerializer
	clientTransport  transport.IRPCClientTransport

	// QueryCommands represents the query command group
	QueryCommands = &cobra.Command{
		Use:               "query",
		Short:             "Send queries to a qplex server",
		PersistentPreRunE: setupClient,
	}
)

func init() {
	// Add common RPC flags to the query commands
	util.SetupRPCClientFlags(QueryCommands)

	// Add subcommands
	QueryCommands.AddCommand(profileCmd)
	QueryCommands.AddCommand(batchCmd)
	QueryCommands.AddCommand(watchCmd)
	QueryCommands.AddCommand(perfCmd)
}

// setupClient reads the client configuration and creates serializer and transport.
// The transport is connected by the client that uses it
func setupClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	clientConfig = util.GetClientConfig()
	common.InitLoggers(clientConfig.LogLevel)

	// Get serializer and transport
	var err error
	if clientSerializer, err = util.GetSerializer(); err != nil {
		return err
	}
	clientTransport, err = util.GetTransport()
	return err
}

// newQueryClient creates the full client stack on the configured transport
func newQueryClient() (*client.QueryClient, error) {
	return client.NewQueryClient(*clientConfig, clientTransport, clientSerializer)
}
