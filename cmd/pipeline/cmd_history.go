package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/pipeline/internal/persistence"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List archived runs, or show one run in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := store.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(out, run)
				}
				printRun(out, run)
				return nil
			}

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs archived")
				return nil
			}
			for _, run := range runs {
				fmt.Fprintln(out, runSummary(run))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list (0 = all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print as JSON")
	return cmd
}

// runSummary is one line of the run list.
func runSummary(run *persistence.Run) string {
	s := run.Summary
	return fmt.Sprintf("%s  %-9s  %-20s  %s  %d/%d completed",
		run.StartedAt.Local().Format(time.DateTime), run.Status, run.Name, run.ID, s.Completed, s.Total)
}

func printRun(w io.Writer, run *persistence.Run) {
	fmt.Fprintln(w, runSummary(run))
	if run.Error != "" {
		fmt.Fprintf(w, "Run error: %s\n", run.Error)
	}
	for _, t := range run.Tasks {
		fmt.Fprintf(w, "  L%d %s\n", t.Level, describeRecord(t.ExecutionRecord))
		for _, h := range t.History {
			if h.Error != nil {
				fmt.Fprintf(w, "       attempt %d: %s: %s\n", h.Attempt+1, h.Error.Reason, h.Error.Message)
			}
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
