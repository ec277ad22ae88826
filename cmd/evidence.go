package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/osint-labs/viraltrace/internal/evidence"
)

var evidenceOut string

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Export and verify tamper-evident trace records",
}

// -- evidence export --

var evidenceExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export the evidence record for a session as JSON",
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

		record, err := st.GetEvidence(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "evidence export")
		}

		data, err := evidence.ExportJSON(record)
		if err != nil {
			return eris.Wrap(err, "evidence export")
		}

		if evidenceOut == "" {
			_, err = os.Stdout.Write(append(data, '\n'))
			return err
		}
		if err := os.WriteFile(evidenceOut, data, 0o644); err != nil {
			return eris.Wrap(err, "evidence export write")
		}
		fmt.Fprintf(os.Stderr, "Evidence written to %s\n", evidenceOut)
		return nil
	},
}

// -- evidence verify --

var evidenceVerifyCmd = &cobra.Command{
	Use:   "verify <session-id>",
	Short: "Recompute the hash chain of a stored evidence record",
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

		record, err := st.GetEvidence(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "evidence verify")
		}

		if err := evidence.Verify(record); err != nil {
			return eris.Wrap(err, "evidence verify")
		}

		fmt.Printf("Record %s verified: %d snapshot(s), chain intact.\n",
			record.RecordID, len(record.Snapshots))
		return nil
	},
}

func init() {
	evidenceExportCmd.Flags().StringVar(&evidenceOut, "out", "", "write JSON to file instead of stdout")

	evidenceCmd.AddCommand(evidenceExportCmd)
	evidenceCmd.AddCommand(evidenceVerifyCmd)
	rootCmd.AddCommand(evidenceCmd)
}
