package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/pipeline/internal/config"
	"github.com/aristath/pipeline/internal/persistence"
	"github.com/aristath/pipeline/internal/plan"
	"github.com/aristath/pipeline/internal/work"
)

// app holds state shared by all subcommands.
type app struct {
	// Persistent flags
	configPath  string
	logLevel    string
	logFormat   string
	metricsAddr string
	trace       bool

	cfg      *config.PipelineConfig
	logger   *slog.Logger
	procs    *work.ProcessManager
	shutdown func(context.Context) error
}

func newApp() *app {
	return &app{
		procs:  work.NewProcessManager(),
		logger: slog.Default(),
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "pipeline",
		Short: "Run task graphs level by level",
		Long: `pipeline executes a graph of dependent tasks one level at a time.
Tasks in a level run concurrently, failures cancel everything downstream,
and every run is archived for later inspection.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "project config file (default "+config.ProjectPath+")")
	flags.StringVar(&a.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "text", "log format: text or json")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	flags.BoolVar(&a.trace, "trace", false, "print trace spans to stderr")

	root.AddCommand(
		newRunCmd(a),
		newLevelsCmd(a),
		newCheckCmd(a),
		newHistoryCmd(a),
		newConfigCmd(a),
	)
	return root
}

// setup builds the logger, telemetry and configuration.
func (a *app) setup(cmd *cobra.Command) error {
	logger, err := newLogger(cmd.ErrOrStderr(), a.logLevel, a.logFormat)
	if err != nil {
		return err
	}
	a.logger = logger
	slog.SetDefault(logger)

	var traceOut io.Writer
	if a.trace {
		traceOut = cmd.ErrOrStderr()
	}
	shutdown, err := setupTelemetry(cmd.Context(), a.metricsAddr, traceOut, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.shutdown = shutdown

	// config init must work without a valid config
	if cmd.Annotations["skip-config"] == "true" {
		return nil
	}
	a.cfg, err = a.loadConfig()
	return err
}

func (a *app) loadConfig() (*config.PipelineConfig, error) {
	if a.configPath == "" {
		return config.LoadDefault()
	}
	globalPath, err := config.GlobalPath()
	if err != nil {
		return nil, err
	}
	return config.Load(globalPath, a.configPath)
}

// close flushes telemetry.
func (a *app) close() error {
	if a.shutdown == nil {
		return nil
	}
	return a.shutdown(context.Background())
}

// loadPlan builds the task list from a plan file or a configured workflow.
func (a *app) loadPlan(planPath, workflow string, params []string) (*plan.Plan, error) {
	switch {
	case planPath != "" && workflow != "":
		return nil, fmt.Errorf("--plan and --workflow are mutually exclusive")
	case planPath != "":
		if len(params) > 0 {
			return nil, fmt.Errorf("--param applies to workflows only")
		}
		return plan.Load(planPath, a.cfg.Defaults)
	case workflow != "":
		wf, ok := a.cfg.Workflows[workflow]
		if !ok {
			return nil, fmt.Errorf("unknown workflow %q (available: %s)", workflow, strings.Join(a.workflowNames(), ", "))
		}
		overrides, err := plan.ParseParams(params)
		if err != nil {
			return nil, err
		}
		return plan.Expand(workflow, wf, a.cfg.Defaults, overrides)
	default:
		return nil, fmt.Errorf("one of --plan or --workflow is required")
	}
}

func (a *app) workflowNames() []string {
	return slices.Sorted(maps.Keys(a.cfg.Workflows))
}

// openStore opens the configured run archive.
func (a *app) openStore(ctx context.Context) (*persistence.SQLiteStore, error) {
	if a.cfg.Archive == "" {
		return nil, fmt.Errorf("no archive configured")
	}
	return persistence.NewSQLiteStore(ctx, filepath.FromSlash(a.cfg.Archive))
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", format)
	}
}

// quietLogger discards everything; used while the TUI owns the terminal.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
