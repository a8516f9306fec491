package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/pipeline/internal/events"
	"github.com/aristath/pipeline/internal/health"
	"github.com/aristath/pipeline/internal/orchestrator"
	"github.com/aristath/pipeline/internal/plan"
	"github.com/aristath/pipeline/internal/scheduler"
	"github.com/aristath/pipeline/internal/tui"
	"github.com/aristath/pipeline/internal/work"
)

// errRunFailed is returned when a run finishes with failed or cancelled tasks.
var errRunFailed = errors.New("run did not succeed")

type runOptions struct {
	planPath    string
	workflow    string
	params      []string
	jsonOut     bool
	useTUI      bool
	noArchive   bool
	skipHealth  bool
	maxParallel int
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a plan file or a configured workflow",
		Example: `  pipeline run --workflow credit_analysis --param customer_id=c-1042
  pipeline run --plan review.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("max-parallel") {
				a.cfg.MaxParallel = opts.maxParallel
			}
			return a.run(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.planPath, "plan", "", "YAML plan file")
	flags.StringVar(&opts.workflow, "workflow", "", "configured workflow name")
	flags.StringArrayVar(&opts.params, "param", nil, "workflow parameter override, key=value or step.key=value (repeatable)")
	flags.BoolVar(&opts.jsonOut, "json", false, "print the run report as JSON")
	flags.BoolVar(&opts.useTUI, "tui", false, "show live progress in a terminal UI")
	flags.BoolVar(&opts.noArchive, "no-archive", false, "do not save the run to the archive")
	flags.BoolVar(&opts.skipHealth, "skip-health", false, "skip readiness checks")
	flags.IntVar(&opts.maxParallel, "max-parallel", 0, "cap concurrently running tasks per level (0 = unbounded)")
	return cmd
}

func (a *app) run(ctx context.Context, out io.Writer, opts runOptions) error {
	p, err := a.loadPlan(opts.planPath, opts.workflow, opts.params)
	if err != nil {
		return err
	}

	registry, err := work.FromConfig(a.cfg.Kinds, a.procs)
	if err != nil {
		return err
	}

	logger := a.logger
	if opts.useTUI {
		logger = quietLogger()
	}

	rc := orchestrator.RunnerConfig{
		Registry:    registry,
		MaxParallel: a.cfg.MaxParallel,
		Logger:      logger,
	}
	if a.cfg.Breaker.Enabled {
		rc.Breakers = orchestrator.NewBreakerRegistry(a.cfg.Breaker, logger)
	}
	if !opts.skipHealth {
		rc.Health, err = health.FromConfig(a.cfg.HealthChecks, logger)
		if err != nil {
			return err
		}
	}
	if !opts.noArchive && a.cfg.Archive != "" {
		store, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		rc.Store = store
	}

	var report *orchestrator.RunReport
	var runErr error
	if opts.useTUI {
		report, runErr = runWithTUI(ctx, rc, p)
	} else {
		report, runErr = orchestrator.NewRunner(rc).Run(ctx, p.Name, p.Tasks)
	}
	if report == nil {
		return runErr
	}

	if opts.jsonOut {
		if err := writeJSON(out, report); err != nil {
			return err
		}
	} else {
		printReport(out, report)
	}

	if runErr != nil {
		return runErr
	}
	if !report.Succeeded() {
		return fmt.Errorf("%w: %d failed, %d cancelled", errRunFailed, report.Summary.Failed, report.Summary.Cancelled)
	}
	return nil
}

// runWithTUI executes the run while the TUI renders its events. Quitting
// the TUI cancels the run.
func runWithTUI(ctx context.Context, rc orchestrator.RunnerConfig, p *plan.Plan) (*orchestrator.RunReport, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bus := events.NewEventBus()
	rc.Bus = bus
	model := tui.New(bus, p.Name)

	type result struct {
		report *orchestrator.RunReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := orchestrator.NewRunner(rc).Run(ctx, p.Name, p.Tasks)
		bus.Close()
		done <- result{report, err}
	}()

	prog := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		rc.Logger.Error("tui exited", slog.String("error", err.Error()))
	}

	cancel()
	r := <-done
	return r.report, r.err
}

// printReport writes a human-readable run summary, level by level.
func printReport(w io.Writer, r *orchestrator.RunReport) {
	fmt.Fprintf(w, "Run %s (%s)\n", r.RunID, r.Name)
	for i, level := range r.Levels {
		fmt.Fprintf(w, "\nLevel %d\n", i)
		for _, id := range level {
			fmt.Fprintf(w, "  %s\n", describeRecord(r.Tasks[id]))
		}
	}

	s := r.Summary
	fmt.Fprintf(w, "\n%d tasks: %d completed, %d failed, %d cancelled (%.0f%% success) in %s\n",
		s.Total, s.Completed, s.Failed, s.Cancelled, s.SuccessRate*100,
		r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(w, "Run error: %s\n", r.Error)
	}
	if r.ArchiveError != "" {
		fmt.Fprintf(w, "Archive error: %s\n", r.ArchiveError)
	}
}

func describeRecord(rec scheduler.ExecutionRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %s", rec.Status, rec.TaskID)

	switch rec.Status {
	case scheduler.StatusCompleted, scheduler.StatusFailed:
		fmt.Fprintf(&b, " (%d attempt(s), %s)", rec.Attempt+1, rec.Duration().Round(time.Millisecond))
	}
	if rec.Error != nil {
		fmt.Fprintf(&b, ": %s", rec.Error.Reason)
		if rec.CancelledBy != "" {
			fmt.Fprintf(&b, " from %s", rec.CancelledBy)
		} else if rec.Error.Message != "" {
			fmt.Fprintf(&b, ": %s", rec.Error.Message)
		}
	}
	return b.String()
}
