package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Scheduler executes a leveled graph one level at a time. All eligible tasks
// of a level run concurrently; the next level starts only after every task
// of the current level is terminal.
//
// A Scheduler holds no per-run state and may execute several runs
// concurrently.
type Scheduler struct {
	work        WorkFunc
	logger      *slog.Logger
	maxParallel int
	newTimer    func() backoff.Timer
	now         func() time.Time
	onLevel     LevelObserver
	metrics     instruments
}

// LevelEvent marks a level boundary. Settled is false when the level is
// about to start and true once all its tasks are terminal and the cascade
// for the level has run.
type LevelEvent struct {
	Level   int
	Tasks   []string
	Settled bool
}

// LevelObserver is called synchronously from the run goroutine.
type LevelObserver func(LevelEvent)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxParallel caps the number of concurrently running tasks within a
// level. Zero or negative means unbounded.
func WithMaxParallel(n int) Option {
	return func(s *Scheduler) { s.maxParallel = n }
}

// WithTimer replaces the timer used for backoff waits. Tests use it to
// observe delays without sleeping.
func WithTimer(fn func() backoff.Timer) Option {
	return func(s *Scheduler) { s.newTimer = fn }
}

// WithClock replaces the clock used for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLevelObserver registers a callback for level boundaries.
func WithLevelObserver(fn LevelObserver) Option {
	return func(s *Scheduler) { s.onLevel = fn }
}

// New creates a Scheduler that performs task work through work.
func New(work WorkFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		work:   work,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run builds the graph, executes it on a fresh ledger and returns the final
// snapshot. Build errors are returned before anything executes.
func (s *Scheduler) Run(ctx context.Context, tasks []*Task) (Snapshot, error) {
	g, err := Build(tasks)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, g, NewLedger(g))
}

// Execute runs every level of g in ascending order, recording progress in l.
//
// When ctx is cancelled no further levels start, tasks that have not started
// are marked Cancelled, and in-flight attempts are left to finish or time out.
// The final snapshot is returned together with ctx.Err().
func (s *Scheduler) Execute(ctx context.Context, g *Graph, l *Ledger) (Snapshot, error) {
	if s.work == nil {
		return nil, fmt.Errorf("scheduler has no work function")
	}
	for _, id := range g.order {
		if _, err := l.Status(id); err != nil {
			return nil, fmt.Errorf("ledger does not match graph: %w", err)
		}
	}

	s.metrics.setup(s.logger)

	ctx, span := tracer.Start(ctx, "scheduler.Execute",
		trace.WithAttributes(
			attribute.Int("pipeline.tasks", g.Len()),
			attribute.Int("pipeline.levels", len(g.levels)),
		),
	)
	defer span.End()

	start := s.now()
	s.logger.Info("run starting",
		slog.Int("tasks", g.Len()),
		slog.Int("levels", len(g.levels)),
	)

	for i, level := range g.levels {
		if ctx.Err() != nil {
			break
		}
		s.notifyLevel(i, level, false)
		s.runLevel(ctx, g, l, i, level)

		// Prune everything downstream of a task that did not complete
		for _, id := range level {
			rec, _ := l.Get(id)
			if rec.Status == StatusFailed ||
				(rec.Status == StatusCancelled && rec.Error != nil && rec.Error.Reason != ReasonRunCancelled) {
				for _, c := range s.cascade(g, l, id) {
					if cr, err := l.Get(c); err == nil {
						s.metrics.add(ctx, s.metrics.cascaded, cr.Kind)
						s.metrics.recordOutcome(ctx, cr)
					}
				}
			}
		}
		s.notifyLevel(i, level, true)
	}

	runErr := ctx.Err()
	if runErr != nil {
		n := s.cancelPending(ctx, l)
		s.logger.Warn("run cancelled",
			slog.Int("cancelled", n),
			slog.String("error", runErr.Error()),
		)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "run cancelled")
	}

	snap := l.Snapshot()
	sum := snap.Summary()
	duration := s.now().Sub(start)
	if s.metrics.runDuration != nil {
		s.metrics.runDuration.Record(ctx, duration.Seconds())
	}
	span.SetAttributes(
		attribute.Int("pipeline.completed", sum.Completed),
		attribute.Int("pipeline.failed", sum.Failed),
		attribute.Int("pipeline.cancelled", sum.Cancelled),
	)
	if runErr == nil {
		if sum.Succeeded() {
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetStatus(codes.Error, "not all tasks completed")
		}
	}

	s.logger.Info("run finished",
		slog.Duration("duration", duration),
		slog.Int("completed", sum.Completed),
		slog.Int("failed", sum.Failed),
		slog.Int("cancelled", sum.Cancelled),
	)
	return snap, runErr
}

// runLevel launches every Pending task of one level and waits for all of
// them to settle.
func (s *Scheduler) runLevel(ctx context.Context, g *Graph, l *Ledger, index int, ids []string) {
	ctx, span := tracer.Start(ctx, "scheduler.Level",
		trace.WithAttributes(
			attribute.Int("pipeline.level", index),
			attribute.StringSlice("pipeline.level.tasks", ids),
		),
	)
	defer span.End()

	s.logger.Info("level starting",
		slog.Int("level", index),
		slog.Any("tasks", ids),
	)

	// Workers always return nil so a failing task never cancels its siblings
	eg := new(errgroup.Group)
	if s.maxParallel > 0 {
		eg.SetLimit(s.maxParallel)
	}

	launched := 0
	for _, id := range ids {
		if st, _ := l.Status(id); st != StatusPending {
			continue
		}
		task := g.tasks[id]
		launched++
		eg.Go(func() error {
			s.runTask(ctx, l, task)
			return nil
		})
	}
	_ = eg.Wait()

	span.SetAttributes(attribute.Int("pipeline.level.launched", launched))
	s.logger.Info("level settled",
		slog.Int("level", index),
		slog.Int("launched", launched),
	)
}

func (s *Scheduler) notifyLevel(index int, ids []string, settled bool) {
	if s.onLevel == nil {
		return
	}
	s.onLevel(LevelEvent{Level: index, Tasks: append([]string(nil), ids...), Settled: settled})
}

// cascade cancels every Pending transitive dependent of root. It returns
// only the tasks it newly cancelled, so repeating it is a no-op.
func (s *Scheduler) cascade(g *Graph, l *Ledger, root string) []string {
	var cancelled []string
	seen := make(map[string]bool)
	queue := g.Dependents(root)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		if st, _ := l.Status(id); st == StatusPending {
			now := s.now()
			l.Transition(id, StatusCancelled, func(r *ExecutionRecord) {
				r.CancelledBy = root
				r.EndedAt = now
				r.Error = &TaskError{
					Reason:   ReasonUpstreamFailed,
					Message:  fmt.Sprintf("upstream task %q did not complete", root),
					Upstream: root,
				}
			})
			cancelled = append(cancelled, id)
		}
		queue = append(queue, g.Dependents(id)...)
	}

	if len(cancelled) > 0 {
		s.logger.Warn("cancelled dependents of failed task",
			slog.String("task", root),
			slog.Any("cancelled", cancelled),
		)
	}
	return cancelled
}

// Cascade cancels every Pending transitive dependent of the task root and
// returns the newly cancelled IDs.
func Cascade(g *Graph, l *Ledger, root string) []string {
	return New(nil, WithLogger(slog.New(slog.DiscardHandler))).cascade(g, l, root)
}

// cancelPending marks every still-Pending task Cancelled after the run
// context ended.
func (s *Scheduler) cancelPending(ctx context.Context, l *Ledger) int {
	n := 0
	for _, id := range l.IDs() {
		if st, _ := l.Status(id); st == StatusPending {
			s.cancelForRun(ctx, l, id)
			n++
		}
	}
	return n
}

func (s *Scheduler) cancelForRun(ctx context.Context, l *Ledger, id string) {
	now := s.now()
	cause := context.Cause(ctx)
	l.Transition(id, StatusCancelled, func(r *ExecutionRecord) {
		r.EndedAt = now
		r.Error = newTaskError(ReasonRunCancelled, cause)
	})
	if rec, err := l.Get(id); err == nil {
		s.metrics.recordOutcome(ctx, rec)
	}
}
