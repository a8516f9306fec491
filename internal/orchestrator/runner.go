// Package orchestrator wires the readiness checks, the capability table, the
// scheduler, the event bus and the run archive into a single run submission.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/pipeline/internal/events"
	"github.com/aristath/pipeline/internal/health"
	"github.com/aristath/pipeline/internal/persistence"
	"github.com/aristath/pipeline/internal/scheduler"
	"github.com/aristath/pipeline/internal/work"
)

// ErrUnhealthy is returned when a readiness check fails before a run.
var ErrUnhealthy = errors.New("readiness check failed")

// archiveTimeout bounds how long saving a finished run may take.
const archiveTimeout = 5 * time.Second

// RunnerConfig configures the runner. Only Registry is required.
type RunnerConfig struct {
	Registry    *work.Registry     // Capability table
	Health      *health.Group      // Optional readiness checks (nil skips them)
	Breakers    *BreakerRegistry   // Optional per-kind circuit breakers
	Store       persistence.Store  // Optional run archive
	Bus         *events.EventBus   // Optional progress events
	MaxParallel int                // Per-level concurrency cap (0 = unbounded)
	Logger      *slog.Logger       // Defaults to slog.Default()
	Options     []scheduler.Option // Extra scheduler options
}

// Runner submits task lists for execution.
type Runner struct {
	config RunnerConfig
	logger *slog.Logger
}

// RunReport is the outcome of one run.
type RunReport struct {
	RunID        string             `json:"run_id"`
	Name         string             `json:"name"`
	StartedAt    time.Time          `json:"started_at"`
	EndedAt      time.Time          `json:"ended_at"`
	Levels       [][]string         `json:"levels"`
	Health       []health.Status    `json:"health,omitempty"`
	Summary      scheduler.Summary  `json:"summary"`
	Tasks        scheduler.Snapshot `json:"tasks"`
	Error        string             `json:"error,omitempty"`         // Run-level error, e.g. cancellation
	ArchiveError string             `json:"archive_error,omitempty"` // Set when archiving failed
}

// Succeeded reports whether every task completed.
func (r *RunReport) Succeeded() bool {
	return r.Error == "" && r.Summary.Succeeded()
}

// NewRunner creates a new runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{config: cfg, logger: logger}
}

// Run checks readiness, builds the graph, binds every task to its kind and
// executes it.
//
// Readiness failures (ErrUnhealthy), graph errors and unknown kinds
// (*work.UnknownKindError) are returned before anything executes, with a
// nil report. Otherwise the report is always returned; the error is the
// run context's error if the run was cancelled.
func (r *Runner) Run(ctx context.Context, name string, tasks []*scheduler.Task) (*RunReport, error) {
	if r.config.Registry == nil {
		return nil, fmt.Errorf("runner has no capability registry")
	}

	var statuses []health.Status
	if r.config.Health != nil && r.config.Health.Len() > 0 {
		var healthy bool
		statuses, healthy = r.config.Health.Check(ctx)
		if !healthy {
			return nil, fmt.Errorf("%w:\n%s", ErrUnhealthy, health.Failing(statuses))
		}
	}

	g, err := scheduler.Build(tasks)
	if err != nil {
		return nil, err
	}

	workFn, err := r.config.Registry.Bind(g.Tasks())
	if err != nil {
		return nil, err
	}
	if r.config.Breakers != nil {
		workFn = r.config.Breakers.Guard(workFn)
	}

	runID := uuid.NewString()
	logger := r.logger.With(slog.String("run", runID), slog.String("pipeline", name))

	l := scheduler.NewLedger(g)
	opts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithMaxParallel(r.config.MaxParallel),
	}
	if r.config.Bus != nil {
		bridge := events.NewBridge(r.config.Bus, l)
		l.SetObserver(bridge.OnTransition)
		opts = append(opts, scheduler.WithLevelObserver(bridge.OnLevel))
	}
	opts = append(opts, r.config.Options...)

	report := &RunReport{
		RunID:     runID,
		Name:      name,
		StartedAt: time.Now(),
		Levels:    g.Levels(),
		Health:    statuses,
	}

	snap, runErr := scheduler.New(workFn, opts...).Execute(ctx, g, l)
	if snap == nil {
		return nil, runErr
	}

	report.EndedAt = time.Now()
	report.Tasks = snap
	report.Summary = snap.Summary()
	if runErr != nil {
		report.Error = runErr.Error()
	}

	if r.config.Store != nil {
		if err := r.archive(ctx, report, g); err != nil {
			logger.Error("failed to archive run", slog.String("error", err.Error()))
			report.ArchiveError = err.Error()
		}
	}

	return report, runErr
}

// archive saves the run even if ctx was cancelled.
func (r *Runner) archive(ctx context.Context, report *RunReport, g *scheduler.Graph) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()

	return r.config.Store.SaveRun(ctx, &persistence.Run{
		ID:        report.RunID,
		Name:      report.Name,
		StartedAt: report.StartedAt,
		EndedAt:   report.EndedAt,
		Error:     report.Error,
	}, g, report.Tasks)
}
