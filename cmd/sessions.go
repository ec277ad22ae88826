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

	"github.com/osint-labs/viraltrace/internal/model"
	"github.com/osint-labs/viraltrace/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect trace session history",
	Long:  "Commands for listing, viewing, and summarizing tracing sessions.",
}

// -- sessions list --

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracing sessions",
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

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		sessions, err := st.ListSessions(ctx, store.SessionFilter{
			Status: model.SessionStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "sessions list")
		}

		if len(sessions) == 0 {
			fmt.Fprintln(os.Stderr, "No sessions found.")
			return nil
		}

		formatSessionsList(os.Stdout, sessions)
		return nil
	},
}

// -- sessions show --

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show full details of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		session, err := st.GetSession(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "sessions show")
		}
		candidates, err := st.GetCandidates(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "sessions show candidates")
		}

		out := struct {
			Session    *model.TraceSession     `json:"session"`
			Candidates []model.OriginCandidate `json:"candidates"`
		}{session, candidates}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

// -- sessions stats --

var sessionsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate session statistics",
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

		since, _ := cmd.Flags().GetDuration("since")
		filter := store.SessionFilter{}
		if since > 0 {
			filter.CreatedAfter = time.Now().Add(-since)
		}
		filter.Limit = 10000 // high limit for stats

		sessions, err := st.ListSessions(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "sessions stats")
		}

		stats := computeSessionStats(sessions)
		formatSessionStats(os.Stdout, stats)
		return nil
	},
}

func init() {
	sessionsListCmd.Flags().String("status", "", "filter by session status (running, complete, incomplete_budget_exhausted, ...)")
	sessionsListCmd.Flags().Int("limit", 50, "max number of sessions to display")

	sessionsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsStatsCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// sessionStats holds aggregate statistics computed from a set of sessions.
type sessionStats struct {
	Total         int
	Complete      int
	Exhausted     int
	Cycle         int
	NoResult      int
	Cancelled     int
	Running       int
	TotalConsumed int
	AvgConsumed   float64
}

// computeSessionStats computes aggregate statistics from a list of sessions.
func computeSessionStats(sessions []model.TraceSession) sessionStats {
	var s sessionStats
	s.Total = len(sessions)

	for _, sess := range sessions {
		switch sess.Status {
		case model.StatusComplete:
			s.Complete++
		case model.StatusBudgetExhausted:
			s.Exhausted++
		case model.StatusCycleDetected:
			s.Cycle++
		case model.StatusNoResult:
			s.NoResult++
		case model.StatusCancelled:
			s.Cancelled++
		case model.StatusRunning:
			s.Running++
		}
		s.TotalConsumed += sess.BudgetConsumed
	}

	if s.Total > 0 {
		s.AvgConsumed = float64(s.TotalConsumed) / float64(s.Total)
	}
	return s
}

// formatSessionsList writes a tabular list of sessions to w.
func formatSessionsList(out io.Writer, sessions []model.TraceSession) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tINPUT\tALGORITHM\tSTATUS\tBUDGET\tITEMS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t-----\t---------\t------\t------\t-----\t-------")

	for _, s := range sessions {
		input := s.Input.Value
		if len(input) > 30 {
			input = input[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			truncateID(s.SessionID),
			input,
			s.Algorithm,
			s.Status,
			s.BudgetConsumed,
			s.BudgetAllocated,
			len(s.Items),
			s.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatSessionStats writes aggregate stats to w.
func formatSessionStats(out io.Writer, s sessionStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total sessions:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.Complete)
	_, _ = fmt.Fprintf(w, "Budget exhausted:\t%d\n", s.Exhausted)
	_, _ = fmt.Fprintf(w, "Cycle detected:\t%d\n", s.Cycle)
	_, _ = fmt.Fprintf(w, "No result:\t%d\n", s.NoResult)
	_, _ = fmt.Fprintf(w, "Cancelled:\t%d\n", s.Cancelled)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.Running)
	_, _ = fmt.Fprintf(w, "Budget consumed:\t%d\n", s.TotalConsumed)
	if s.AvgConsumed > 0 {
		_, _ = fmt.Fprintf(w, "Avg per session:\t%.1f\n", s.AvgConsumed)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
