package main

import (
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/pipeline/internal/config"
	"github.com/aristath/pipeline/internal/tui"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:         "init",
		Short:       "Write the default configuration to the project config file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"skip-config": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if path == "" {
				path = filepath.FromSlash(config.ProjectPath)
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	editCmd := &cobra.Command{
		Use:   "edit",
		Short: "Edit run, retry and breaker settings in an interactive form",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			globalPath, err := config.GlobalPath()
			if err != nil {
				return err
			}
			projectPath := a.configPath
			if projectPath == "" {
				projectPath = filepath.FromSlash(config.ProjectPath)
			}

			model := tui.NewSettingsModel(a.cfg, globalPath, projectPath)
			final, err := tea.NewProgram(model, tea.WithContext(cmd.Context())).Run()
			if err != nil {
				return err
			}
			settings := final.(tui.SettingsModel)
			switch {
			case settings.Err() != nil:
				return settings.Err()
			case settings.Saved():
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", settings.SavedTo())
			default:
				fmt.Fprintln(cmd.OutOrStdout(), "No changes saved")
			}
			return nil
		},
	}

	cmd.AddCommand(initCmd, editCmd)
	return cmd
}
