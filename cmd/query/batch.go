package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"

	"github.com/ValentinKolb/qplex/rpc/batcher"
	"github.com/ValentinKolb/qplex/rpc/client"
	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var batchCmd = &cobra.Command{
	Use:   "batch <file.json>",
	Short: "Send an explicit batch of queries",
	Long: `Send an explicit batch of queries as one streamed batch request. The file
contains either a list of {"op", "query"} objects or a batch request with a
"queries" field. Use - to read from stdin. A missing op is derived from the
query kind. Results are printed in completion order.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

// readBatch parses a batch file and fills in missing ops and priorities
func readBatch(r io.Reader) ([]common.BatchQuery, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var queries []common.BatchQuery
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		var req common.BatchRequest
		if err := json.Unmarshal(trimmed, &req); err != nil {
			return nil, fmt.Errorf("invalid batch request: %w", err)
		}
		queries = req.Queries
	} else if err := json.Unmarshal(data, &queries); err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}

	if len(queries) == 0 {
		return nil, fmt.Errorf("batch is empty")
	}

	for i := range queries {
		if err := queries[i].Query.Validate(); err != nil {
			return nil, fmt.Errorf("query %d: %w", i, err)
		}
		route, ok := batcher.Lookup(queries[i].Query.Kind)
		if queries[i].Op == "" {
			if !ok {
				return nil, fmt.Errorf("query %d: kind %s can not be batched", i, queries[i].Query.Kind)
			}
			queries[i].Op = route.Op
		}
		if queries[i].Query.Priority == 0 && ok {
			queries[i].Query.Priority = int(route.DefaultPriority)
		}
	}
	return queries, nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	in := os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	queries, err := readBatch(in)
	if err != nil {
		return err
	}

	bc, err := client.NewBatchClient(*clientConfig, clientTransport, clientSerializer)
	if err != nil {
		return err
	}
	defer bc.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var printMu sync.Mutex
	group := errgroup.Group{}
	for i, f := range bc.Fetch(ctx, queries) {
		group.Go(func() error {
			res, err := f.Await(ctx)
			printMu.Lock()
			defer printMu.Unlock()
			if err != nil {
				fmt.Printf("[%d] %s error: %v\n", i, queries[i].Op, err)
				return nil
			}
			fmt.Printf("[%d] %s %s\n", i, queries[i].Op, res)
			return nil
		})
	}
	_ = group.Wait()

	completed, total := bc.Progress()
	fmt.Fprintf(os.Stderr, "%d/%d queries completed\n", completed, total)
	return ctx.Err()
}
