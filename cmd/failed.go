package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/osint-labs/viraltrace/internal/model"
	"github.com/osint-labs/viraltrace/internal/resilience"
)

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Inspect the failed fetch queue",
	Long:  "Fetches that exhausted their retries are parked here; a later re-trace of the same input replays the successes from cache and retries only these.",
}

// -- failed list --

var failedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List parked fetches eligible for retry",
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

		platform, _ := cmd.Flags().GetString("platform")
		errType, _ := cmd.Flags().GetString("error-type")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.ListFailedFetches(ctx, resilience.FailedFetchFilter{
			Platform:  model.Platform(platform),
			ErrorType: errType,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "failed list")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Failed fetch queue is empty.")
			return nil
		}

		formatFailedList(os.Stdout, entries)
		return nil
	},
}

// -- failed remove --

var failedRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove an entry from the failed fetch queue",
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

		if err := st.DeleteFailedFetch(ctx, args[0]); err != nil {
			return eris.Wrap(err, "failed remove")
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

func init() {
	failedListCmd.Flags().String("platform", "", "filter by platform")
	failedListCmd.Flags().String("error-type", "", "filter by error type (transient, permanent)")
	failedListCmd.Flags().Int("limit", 50, "max number of entries to display")

	failedCmd.AddCommand(failedListCmd)
	failedCmd.AddCommand(failedRemoveCmd)
	rootCmd.AddCommand(failedCmd)
}

// formatFailedList writes a tabular list of parked fetches to w.
func formatFailedList(out io.Writer, entries []resilience.FailedFetch) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSESSION\tPLATFORM\tREF\tTYPE\tRETRIES\tNEXT_RETRY")
	_, _ = fmt.Fprintln(w, "--\t-------\t--------\t---\t----\t-------\t----------")

	for _, e := range entries {
		ref := e.Ref
		if len(ref) > 40 {
			ref = ref[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			truncateID(e.ID),
			truncateID(e.SessionID),
			e.Platform,
			ref,
			e.ErrorType,
			e.RetryCount,
			e.MaxRetries,
			e.NextRetryAt.Format(time.RFC3339),
		)
	}
	_ = w.Flush()
}
