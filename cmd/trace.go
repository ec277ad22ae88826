package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/osint-labs/viraltrace/internal/model"
	"github.com/osint-labs/viraltrace/internal/trace"
)

var (
	traceAlgorithm string
	tracePlatform  string
	traceBudget    int
	traceJSON      bool
)

var traceCmd = &cobra.Command{
	Use:   "trace <url|@handle|#hashtag>",
	Short: "Trace content back to its likely origin",
	Long:  "Runs a tracing session for the given post URL, author handle, or hashtag and reports ranked origin candidates with confidence breakdowns.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		input, err := model.DetectInput(args[0])
		if err != nil {
			return err
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Engine.Trace(ctx, trace.Request{
			Input:     input,
			Platform:  model.Platform(tracePlatform),
			Algorithm: model.Algorithm(traceAlgorithm),
			Budget:    traceBudget,
		})
		if err != nil {
			return eris.Wrap(err, "trace")
		}

		zap.L().Info("trace finished",
			zap.String("session_id", res.Session.SessionID),
			zap.String("status", string(res.Session.Status)),
			zap.Int("items", len(res.Session.Items)),
			zap.Int("budget_consumed", res.Session.BudgetConsumed),
		)

		if traceJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}

		formatTraceResult(os.Stdout, res)
		return nil
	},
}

func init() {
	traceCmd.Flags().StringVar(&traceAlgorithm, "algorithm", "hybrid", "tracing algorithm (chronological, network, hybrid)")
	traceCmd.Flags().StringVar(&tracePlatform, "platform", "", "platform for handle/hashtag inputs (twitter, reddit, telegram, instagram, youtube)")
	traceCmd.Flags().IntVar(&traceBudget, "budget", 0, "fetch budget for this session (default per algorithm)")
	traceCmd.Flags().BoolVar(&traceJSON, "json", false, "print the full result as JSON")
	rootCmd.AddCommand(traceCmd)
}

// formatTraceResult writes a human-readable summary of a finished trace.
func formatTraceResult(out io.Writer, res *trace.Result) {
	s := res.Session
	fmt.Fprintf(out, "Session %s (%s): %s\n", s.SessionID, s.Algorithm, s.Status)
	fmt.Fprintf(out, "Budget: %d/%d consumed, %d items, %d edges\n\n",
		s.BudgetConsumed, s.BudgetAllocated, len(s.Items), len(s.Edges))

	if s.Timeline != nil {
		fmt.Fprintf(out, "Timeline: span %s, peak gap %s, %.2f posts/hour\n\n",
			(time.Duration(s.Timeline.SpanSeconds) * time.Second).String(),
			(time.Duration(s.Timeline.PeakGapSeconds) * time.Second).String(),
			s.Timeline.PostsPerHour)
	}

	if len(res.Candidates) == 0 {
		fmt.Fprintln(out, "No origin candidates.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tCONTENT\tCLUSTER\tCONFIDENCE\tPROVISIONAL")
	fmt.Fprintln(w, "----\t-------\t-------\t----------\t-----------")
	for _, c := range res.Candidates {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.3f\t%v\n",
			c.Rank, c.ContentID, c.ClusterID, c.Confidence.Value, c.Confidence.Provisional)
	}
	w.Flush()

	top := res.Candidates[0]
	fmt.Fprintf(out, "\nTop candidate factors (weights %s):\n", top.Confidence.WeightsVersion)
	fw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, name := range []string{model.FactorChronoGap, model.FactorStructural, model.FactorCorroboration} {
		if v, ok := top.Confidence.Factors[name]; ok {
			fmt.Fprintf(fw, "  %s\t%.3f\n", name, v)
		}
	}
	fw.Flush()
}
