package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/osint-labs/viraltrace/internal/monitoring"
)

var (
	statusLookback int
	statusJSON     bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system health metrics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		// Budget state is per-process, so a CLI status check only sees
		// what the store recorded.
		collector := monitoring.NewCollector(st, nil)
		snap, err := collector.Collect(ctx, statusLookback)
		if err != nil {
			return eris.Wrap(err, "status collect")
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}

		formatStatus(os.Stdout, snap)
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLookback, "lookback", 24, "lookback window in hours")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the snapshot as JSON")
	rootCmd.AddCommand(statusCmd)
}

// formatStatus writes a human-readable metrics snapshot to w.
func formatStatus(out io.Writer, snap *monitoring.MetricsSnapshot) {
	fmt.Fprintf(out, "System status (last %dh, collected %s)\n\n",
		snap.LookbackHours, snap.CollectedAt.Format("2006-01-02 15:04:05"))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Sessions:\t%d\n", snap.TraceTotal)
	fmt.Fprintf(w, "  Complete:\t%d\n", snap.TraceComplete)
	fmt.Fprintf(w, "  Budget exhausted:\t%d\n", snap.TraceExhausted)
	fmt.Fprintf(w, "  Cycle detected:\t%d\n", snap.TraceCycle)
	fmt.Fprintf(w, "  No result:\t%d\n", snap.TraceNoResult)
	fmt.Fprintf(w, "  Cancelled:\t%d\n", snap.TraceCancelled)
	fmt.Fprintf(w, "  Running:\t%d\n", snap.TraceRunning)
	fmt.Fprintf(w, "Exhaustion rate:\t%.1f%%\n", snap.ExhaustionRate*100)
	fmt.Fprintf(w, "Budget consumed:\t%d/%d\n", snap.BudgetConsumed, snap.BudgetAllocated)
	fmt.Fprintf(w, "Failed fetch queue:\t%d\n", snap.DLQDepth)
	if snap.CacheHits+snap.CacheMisses > 0 {
		fmt.Fprintf(w, "Cache hit rate:\t%.1f%%\n", snap.CacheHitRate*100)
	}
	if len(snap.Circuits) > 0 {
		platforms := make([]string, 0, len(snap.Circuits))
		for p := range snap.Circuits {
			platforms = append(platforms, p)
		}
		sort.Strings(platforms)
		for _, p := range platforms {
			fmt.Fprintf(w, "Circuit %s:\t%s\n", p, snap.Circuits[p])
		}
	}
	w.Flush()
}
