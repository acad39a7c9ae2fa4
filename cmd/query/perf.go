package query

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/qplex/cmd/util"
	"github.com/ValentinKolb/qplex/lib/qerr"
	"github.com/ValentinKolb/qplex/lib/queue"
	"github.com/ValentinKolb/qplex/rpc/common"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

var (
	perfCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Load generator for qplex servers",
		Long:    "Issue profiling queries at a fixed rate from several workers and report latency percentiles and throughput.",
		PreRunE: processPerfConfig,
		RunE:    runPerf,
	}
	perfThreads  = 10
	perfRate     = 200.0
	perfDuration = 10 * time.Second
	perfColumns  = 100
	perfKinds    = []common.QueryKind{common.QueryTopK, common.QueryNullCount, common.QueryCardinality}
	perfTable    = "perf"
)

// perfResult is the outcome of one perf run
type perfResult struct {
	Kind      string
	Count     int64
	Errors    int64
	Mean      time.Duration
	P50       time.Duration
	P95       time.Duration
	P99       time.Duration
	Max       time.Duration
	OpsPerSec float64
}

func init() {
	// add flags
	key := "threads"
	perfCmd.Flags().Int(key, perfThreads, util.WrapString("Number of workers issuing queries"))
	key = "rate"
	perfCmd.Flags().Float64(key, perfRate, util.WrapString("Queries per second over all workers (0 is unlimited)"))
	key = "duration"
	perfCmd.Flags().Duration(key, perfDuration, util.WrapString("How long the test runs"))
	key = "columns"
	perfCmd.Flags().Int(key, perfColumns, util.WrapString("How many different columns to query. Fewer columns cause more deduplicated queries"))
	key = "kinds"
	perfCmd.Flags().String(key, "topk,null-count,cardinality", util.WrapString("Comma-separated list of query kinds to issue"))
	key = "table"
	perfCmd.Flags().String(key, perfTable, util.WrapString("Table name used in the queries"))
	key = "csv"
	perfCmd.Flags().String(key, "", util.WrapString("Optional path to save the results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfThreads = max(1, viper.GetInt("threads"))
	perfRate = viper.GetFloat64("rate")
	perfDuration = viper.GetDuration("duration")
	if perfDuration <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	perfColumns = max(1, viper.GetInt("columns"))
	perfTable = viper.GetString("table")

	perfKinds = perfKinds[:0]
	for _, name := range util.SplitList(viper.GetString("kinds")) {
		kind, err := common.ParseQueryKind(name)
		if err != nil {
			return err
		}
		perfKinds = append(perfKinds, kind)
	}
	if len(perfKinds) == 0 {
		return fmt.Errorf("at least one query kind is required")
	}

	return nil
}

func runPerf(cmd *cobra.Command, _ []string) error {
	fmt.Println("Load generator for qplex servers")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(clientConfig.String())
	fmt.Printf("Threads: %d, Rate: %.0f/s, Duration: %s, Columns: %d\n", perfThreads, perfRate, perfDuration, perfColumns)
	fmt.Println()

	qc, err := newQueryClient()
	if err != nil {
		return err
	}
	defer qc.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, perfDuration)
	defer cancel()

	limit := rate.Inf
	if perfRate > 0 {
		limit = rate.Limit(perfRate)
	}
	limiter := rate.NewLimiter(limit, perfThreads)

	// one histogram (in ns) and one error counter per kind
	registry := gometrics.NewRegistry()
	histogram := func(kind common.QueryKind) gometrics.Histogram {
		return gometrics.GetOrRegisterHistogram(kind.String()+".latency", registry, gometrics.NewUniformSample(4096))
	}
	errorCounter := func(kind common.QueryKind) gometrics.Counter {
		return gometrics.GetOrRegisterCounter(kind.String()+".errors", registry)
	}

	fmt.Println("starting test...")
	start := time.Now()

	var wg sync.WaitGroup
	for worker := 0; worker < perfThreads; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := worker; ; i += perfThreads {
				if err := limiter.Wait(ctx); err != nil {
					return
				}

				kind := perfKinds[i%len(perfKinds)]
				q := common.QueryDescriptor{
					Kind:     kind,
					Instance: "perf",
					Table:    perfTable,
					Column:   fmt.Sprintf("c%d", (i/len(perfKinds))%perfColumns),
				}

				t0 := time.Now()
				f, err := qc.Query(ctx, fmt.Sprintf("worker-%d", worker), q, queue.PriorityUnset)
				if err == nil {
					_, err = f.Await(ctx)
				}
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					if qerr.IsUserVisible(err) {
						Logger.Debugf("(%s) - query failed: %v", kind, err)
					}
					errorCounter(kind).Inc(1)
					continue
				}
				histogram(kind).Update(time.Since(t0).Nanoseconds())
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	// Collect results
	results := make([]perfResult, 0, len(perfKinds))
	for _, kind := range perfKinds {
		h := histogram(kind).Snapshot()
		ps := h.Percentiles([]float64{0.5, 0.95, 0.99})
		res := perfResult{
			Kind:      kind.String(),
			Count:     h.Count(),
			Errors:    errorCounter(kind).Count(),
			Mean:      time.Duration(h.Mean()),
			P50:       time.Duration(ps[0]),
			P95:       time.Duration(ps[1]),
			P99:       time.Duration(ps[2]),
			Max:       time.Duration(h.Max()),
			OpsPerSec: float64(h.Count()) / elapsed.Seconds(),
		}
		results = append(results, res)
		printResult(res)
	}

	// Write results to CSV if requested
	if csvPath := viper.GetString("csv"); csvPath != "" {
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return err
		}
		fmt.Printf("results written to %s\n", csvPath)
	}

	return nil
}

// printResult prints the result of one query kind in a formatted way
func printResult(res perfResult) {
	if res.Count == 0 {
		fmt.Printf("%-24sno successful queries (%d errors)\n", res.Kind, res.Errors)
		return
	}
	fmt.Printf("%-24s%6d ok %4d err  mean %-10s p50 %-10s p95 %-10s p99 %-10s max %-10s %.0f ops/sec\n",
		res.Kind, res.Count, res.Errors,
		res.Mean.Round(time.Microsecond), res.P50.Round(time.Microsecond), res.P95.Round(time.Microsecond),
		res.P99.Round(time.Microsecond), res.Max.Round(time.Microsecond), res.OpsPerSec)
}

// writeResultsToCSV writes the perf results to a CSV file
func writeResultsToCSV(csvPath string, results []perfResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Kind", "Count", "Errors", "MeanNs", "P50Ns", "P95Ns", "P99Ns", "MaxNs", "OpsPerSec",
		"Endpoints", "Serializer", "Transport", "Threads", "Rate", "BatchWindowMs", "Columns",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, res := range results {
		row := []string{
			res.Kind,
			strconv.FormatInt(res.Count, 10),
			strconv.FormatInt(res.Errors, 10),
			strconv.FormatInt(res.Mean.Nanoseconds(), 10),
			strconv.FormatInt(res.P50.Nanoseconds(), 10),
			strconv.FormatInt(res.P95.Nanoseconds(), 10),
			strconv.FormatInt(res.P99.Nanoseconds(), 10),
			strconv.FormatInt(res.Max.Nanoseconds(), 10),
			fmt.Sprintf("%.0f", res.OpsPerSec),
			strings.Join(clientConfig.Transport.Endpoints, ";"),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfThreads),
			fmt.Sprintf("%.0f", perfRate),
			strconv.Itoa(clientConfig.Batch.WindowMillisecond),
			strconv.Itoa(perfColumns),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for %s: %w", res.Kind, err)
		}
	}

	return nil
}
