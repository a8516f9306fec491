package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// runTask drives one task from Pending to a terminal status. It is the only
// writer of the task's record while the level is executing.
func (s *Scheduler) runTask(ctx context.Context, l *Ledger, task *Task) {
	// A worker may start late under a parallelism limit
	if ctx.Err() != nil {
		s.cancelForRun(ctx, l, task.ID)
		return
	}

	ctx, span := tracer.Start(ctx, "scheduler.Task",
		trace.WithAttributes(
			attribute.String("pipeline.task", task.ID),
			attribute.String("pipeline.kind", task.Kind),
			attribute.StringSlice("pipeline.dependencies", task.DependsOn),
			attribute.Int("pipeline.max_retries", task.Retry.MaxRetries),
		),
	)
	defer span.End()

	if s.metrics.activeTasks != nil {
		s.metrics.activeTasks.Add(ctx, 1)
		defer s.metrics.activeTasks.Add(ctx, -1)
	}

	// Mark as running
	s.startAttempt(l, task.ID, 0)
	s.logger.Debug("task starting",
		slog.String("task", task.ID),
		slog.String("kind", task.Kind),
	)

	// Dependencies are Completed and immutable, so inputs are resolved once
	inputs, err := ResolveInputs(l, task)
	if err != nil {
		te := newTaskError(ReasonBindingUnresolved, err)
		s.endAttempt(l, task.ID, te)
		s.fail(ctx, span, l, task, te)
		return
	}

	attempt := 0
	var lastErr *TaskError
	var result Result

	operation := func() error {
		if attempt > 0 {
			s.startAttempt(l, task.ID, attempt)
		}
		s.metrics.add(ctx, s.metrics.attempts, task.Kind)

		res, err := s.invoke(ctx, task, inputs)
		te := classify(task, res, err)
		s.endAttempt(l, task.ID, te)
		result = res
		attempt++
		if te == nil {
			return nil
		}

		lastErr = te
		s.logger.Warn("task attempt failed",
			slog.String("task", task.ID),
			slog.Int("attempt", attempt-1),
			slog.String("reason", string(te.Reason)),
			slog.String("error", te.Message),
		)
		return te
	}

	notify := func(_ error, delay time.Duration) {
		s.metrics.add(ctx, s.metrics.retries, task.Kind)
		l.Transition(task.ID, StatusRetrying, func(r *ExecutionRecord) {
			if n := len(r.History); n > 0 {
				r.History[n-1].Backoff = delay
			}
		})
		span.AddEvent("retry_scheduled", trace.WithAttributes(
			attribute.Int("pipeline.attempt", attempt),
			attribute.Int64("pipeline.backoff_ms", delay.Milliseconds()),
		))
		s.logger.Info("task retrying",
			slog.String("task", task.ID),
			slog.Int("next_attempt", attempt),
			slog.Duration("backoff", delay),
		)
	}

	var timer backoff.Timer
	if s.newTimer != nil {
		timer = s.newTimer()
	}
	err = backoff.RetryNotifyWithTimer(operation, backoff.WithContext(task.Retry.BackOff(), ctx), notify, timer)
	if err != nil {
		// Keep the last failed outcome for reporting
		r := result
		r.Data = cloneData(result.Data)
		l.Update(task.ID, func(rec *ExecutionRecord) { rec.Result = &r })

		// The run ended while the task still had retries left
		if lastErr == nil || (ctx.Err() != nil && errors.Is(err, ctx.Err()) && task.Retry.ShouldRetry(attempt-1)) {
			s.cancelForRun(ctx, l, task.ID)
			span.SetStatus(codes.Error, "run cancelled")
			s.logger.Warn("task cancelled with retries left",
				slog.String("task", task.ID),
				slog.Int("attempts", attempt),
			)
			return
		}
		s.fail(ctx, span, l, task, lastErr)
		return
	}

	now := s.now()
	l.Transition(task.ID, StatusCompleted, func(r *ExecutionRecord) {
		res := result
		res.Data = cloneData(result.Data)
		r.Result = &res
		r.EndedAt = now
	})
	if rec, err := l.Get(task.ID); err == nil {
		s.metrics.recordOutcome(ctx, rec)
	}
	span.SetStatus(codes.Ok, "")
	s.logger.Info("task completed",
		slog.String("task", task.ID),
		slog.Int("attempts", attempt),
	)
}

// startAttempt moves the task to Running and opens a history entry.
func (s *Scheduler) startAttempt(l *Ledger, id string, attempt int) {
	now := s.now()
	l.Transition(id, StatusRunning, func(r *ExecutionRecord) {
		if attempt == 0 {
			r.StartedAt = now
		}
		r.Attempt = attempt
		r.History = append(r.History, AttemptRecord{Attempt: attempt, StartedAt: now})
	})
}

// endAttempt closes the current history entry.
func (s *Scheduler) endAttempt(l *Ledger, id string, te *TaskError) {
	now := s.now()
	l.Update(id, func(r *ExecutionRecord) {
		if n := len(r.History); n > 0 {
			r.History[n-1].EndedAt = now
			r.History[n-1].Error = cloneTaskError(te)
		}
	})
}

// fail records the terminal failure of a task.
func (s *Scheduler) fail(ctx context.Context, span trace.Span, l *Ledger, task *Task, te *TaskError) {
	now := s.now()
	l.Transition(task.ID, StatusFailed, func(r *ExecutionRecord) {
		r.Error = cloneTaskError(te)
		r.EndedAt = now
	})
	rec, err := l.Get(task.ID)
	if err == nil {
		s.metrics.recordOutcome(ctx, rec)
	}

	span.RecordError(te)
	span.SetStatus(codes.Error, te.Error())
	s.logger.Error("task failed",
		slog.String("task", task.ID),
		slog.String("kind", task.Kind),
		slog.Int("attempts", rec.Attempt+1),
		slog.String("reason", string(te.Reason)),
		slog.String("error", te.Message),
	)
}

// invoke calls the work function under a hard per-attempt deadline. The
// attempt context ignores run cancellation; only the task timeout bounds it.
// A work function that ignores its context is abandoned at the deadline.
func (s *Scheduler) invoke(ctx context.Context, task *Task, inputs map[string]any) (Result, error) {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), task.EffectiveTimeout())
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &PanicError{Value: r}}
			}
		}()
		res, err := s.work(attemptCtx, task, cloneData(inputs))
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-attemptCtx.Done():
		return Result{}, fmt.Errorf("%w after %s", ErrTimeout, task.EffectiveTimeout())
	}
}

// classify turns an attempt's outcome into a TaskError, or nil on success.
func classify(task *Task, res Result, err error) *TaskError {
	var panicErr *PanicError
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return newTaskError(ReasonTimeout, err)
	case errors.Is(err, ErrCircuitOpen):
		return newTaskError(ReasonCircuitOpen, err)
	case errors.As(err, &panicErr):
		return newTaskError(ReasonPanic, err)
	default:
		return newTaskError(ReasonWorkFailed, err)
	}

	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "work reported failure"
		}
		return &TaskError{Reason: ReasonWorkFailed, Message: msg}
	}
	if err := task.Criteria.Check(res.Data); err != nil {
		return newTaskError(ReasonCriteriaNotMet, err)
	}
	return nil
}
