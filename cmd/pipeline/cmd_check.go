package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/pipeline/internal/health"
	"github.com/aristath/pipeline/internal/orchestrator"
)

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run the configured readiness checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := health.FromConfig(a.cfg.HealthChecks, a.logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if group.Len() == 0 {
				fmt.Fprintln(out, "No health checks configured")
				return nil
			}

			statuses, healthy := group.Check(cmd.Context())
			for _, s := range statuses {
				mark := "ok  "
				if !s.Healthy {
					mark = "FAIL"
				}
				fmt.Fprintf(out, "%s  %-20s %s\n", mark, s.Name, s.Detail)
			}
			if !healthy {
				return orchestrator.ErrUnhealthy
			}
			return nil
		},
	}
}
