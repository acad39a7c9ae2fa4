package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/qplex/cmd/query"
	"github.com/ValentinKolb/qplex/cmd/serve"
	"github.com/ValentinKolb/qplex/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "qplex",
		Short: "prioritized, batched analytical query client",
		Long: fmt.Sprintf(`qplex (v%s)

A client side query scheduling layer written in Go. Queries are ordered by
priority, coalesced into batch requests and their results are streamed back
out of order over a single connection.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of qplex",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("qplex v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(query.QueryCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "json", util.WrapString("serializer to use (json, gob, binary). The http transport only supports json"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "http", util.WrapString("transport to use (http, tcp, unix)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
