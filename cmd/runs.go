package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/bench-cli/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect benchmark run history",
	Long:  "Commands for listing and viewing past benchmark runs from the local runs index.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List benchmark runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := requireRunsIndex(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status: store.RunStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run's per-model phases",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := requireRunsIndex(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		phases, err := st.ListModelPhases(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		fmt.Printf("Run %s\n  config version: %s\n  status: %s\n  started: %s\n",
			run.ID, run.ConfigVersion, run.Status, run.StartedAt.Format(time.RFC3339))
		if run.FinishedAt != nil {
			fmt.Printf("  finished: %s\n", run.FinishedAt.Format(time.RFC3339))
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MODEL\tSTATUS\tCOMPLETED\tEXCLUDED\tSTARTED")
		for _, p := range phases {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
				p.ModelID, p.Status, p.CompletedPairs, p.ExcludedRows, p.StartedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func requireRunsIndex(cmd *cobra.Command) (store.Store, error) {
	if cfg.Paths.RunsDB == "" {
		return nil, &exitError{code: exitValidation, msg: "no runs index configured (paths.runs_db)"}
	}
	st, err := store.NewSQLite(cfg.Paths.RunsDB)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(cmd.Context()); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func formatRunsList(out io.Writer, runs []store.Run) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tSTATUS\tMODELS\tSTARTED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.ConfigVersion, r.Status, len(r.Models), r.StartedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by status (running, complete, interrupted, failed)")
	runsListCmd.Flags().Int("limit", 20, "maximum runs to list")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}
