package query

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/ValentinKolb/qplex/cmd/util"
	"github.com/ValentinKolb/qplex/lib/queue"
	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var profileCmd = &cobra.Command{
	Use:   "profile <instance> <table> [column]",
	Short: "Profile a table or a single column",
	Long: `Profile a table or a single column. Every profiling query is scheduled with
the requested priority and all queries issued together are coalesced into a
single batch request. Results are printed as they arrive.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runProfile,
}

func init() {
	key := "kinds"
	profileCmd.Flags().String(key, "", util.WrapString("Comma-separated list of query kinds (default: all column kinds if a column is given, all table kinds otherwise)"))
	key = "priority"
	profileCmd.Flags().String(key, "unset", util.WrapString("Priority of the queries (background, inactive, active). Unset uses the default of each kind"))
	key = "owner"
	profileCmd.Flags().String(key, "cli", util.WrapString("Owner id of the queries"))
	key = "args"
	profileCmd.Flags().String(key, "", util.WrapString("Optional JSON arguments passed to every query"))
}

// profileKinds returns the kinds to run for the given arguments
func profileKinds(kinds string, column string) ([]common.QueryKind, error) {
	if kinds != "" {
		var out []common.QueryKind
		for _, name := range util.SplitList(kinds) {
			kind, err := common.ParseQueryKind(name)
			if err != nil {
				return nil, err
			}
			out = append(out, kind)
		}
		return out, nil
	}

	var out []common.QueryKind
	for _, kind := range common.QueryKinds {
		switch {
		case column != "" && kind.IsColumnQuery():
			out = append(out, kind)
		case column == "" && (kind == common.QueryColumnMetadata || kind == common.QueryTableCardinality):
			out = append(out, kind)
		}
	}
	return out, nil
}

func runProfile(cmd *cobra.Command, args []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	instance, table, column := args[0], args[1], ""
	if len(args) == 3 {
		column = args[2]
	}

	kinds, err := profileKinds(viper.GetString("kinds"), column)
	if err != nil {
		return err
	}
	priority, err := queue.ParsePriority(viper.GetString("priority"))
	if err != nil {
		return err
	}
	var queryArgs json.RawMessage
	if raw := viper.GetString("args"); raw != "" {
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("--args is not valid JSON")
		}
		queryArgs = json.RawMessage(raw)
	}

	qc, err := newQueryClient()
	if err != nil {
		return err
	}
	defer qc.Close()

	qc.OnProgress(func(completed, total int) {
		fmt.Fprintf(os.Stderr, "progress: %d/%d\n", completed, total)
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	// schedule all queries before waiting, so they share one batch window
	var printMu sync.Mutex
	group := errgroup.Group{}
	for _, kind := range kinds {
		q := common.QueryDescriptor{Kind: kind, Instance: instance, Table: table, Column: column, Args: queryArgs}
		if !kind.IsColumnQuery() && kind != common.QueryMetricsAggregation && kind != common.QueryMetricsTimeSeries {
			q.Column = ""
		}

		f, err := qc.Query(ctx, viper.GetString("owner"), q, priority)
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", kind, err)
		}

		group.Go(func() error {
			res, err := f.Await(ctx)
			printMu.Lock()
			defer printMu.Unlock()
			if err != nil {
				fmt.Printf("%-24s error: %v\n", kind, err)
				return nil
			}
			fmt.Printf("%-24s %s\n", kind, res)
			return nil
		})
	}

	_ = group.Wait()
	return ctx.Err()
}
