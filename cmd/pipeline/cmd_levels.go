package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/pipeline/internal/scheduler"
)

func newLevelsCmd(a *app) *cobra.Command {
	var (
		planPath string
		workflow string
		params   []string
		jsonOut  bool
	)

	cmd := &cobra.Command{
		Use:   "levels",
		Short: "Show the execution levels of a plan without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.loadPlan(planPath, workflow, params)
			if err != nil {
				return err
			}
			g, err := scheduler.Build(p.Tasks)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, g.Levels())
			}

			for i, level := range g.Levels() {
				fmt.Fprintf(out, "%d: %s\n", i, strings.Join(level, ", "))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&planPath, "plan", "", "YAML plan file")
	flags.StringVar(&workflow, "workflow", "", "configured workflow name")
	flags.StringArrayVar(&params, "param", nil, "workflow parameter override (repeatable)")
	flags.BoolVar(&jsonOut, "json", false, "print levels as JSON")
	return cmd
}
