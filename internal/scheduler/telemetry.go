package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("pipeline.scheduler")
	meter  = otel.Meter("pipeline.scheduler")
)

// instruments holds the scheduler's metrics. Any instrument may be nil if
// creation failed.
type instruments struct {
	once         sync.Once
	taskDuration metric.Float64Histogram
	taskOutcomes metric.Int64Counter
	attempts     metric.Int64Counter
	retries      metric.Int64Counter
	cascaded     metric.Int64Counter
	activeTasks  metric.Int64UpDownCounter
	runDuration  metric.Float64Histogram
}

// setup lazily creates the instruments.
// Logs errors if metric creation fails but continues execution.
func (m *instruments) setup(logger *slog.Logger) {
	m.once.Do(func() {
		var initErrors []string

		var err error
		m.taskDuration, err = meter.Float64Histogram("pipeline_task_duration_seconds",
			metric.WithDescription("Time from first attempt to settlement per task"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "task_duration: "+err.Error())
		}

		m.taskOutcomes, err = meter.Int64Counter("pipeline_task_outcome_total",
			metric.WithDescription("Number of tasks reaching a terminal status"),
		)
		if err != nil {
			initErrors = append(initErrors, "task_outcomes: "+err.Error())
		}

		m.attempts, err = meter.Int64Counter("pipeline_task_attempt_total",
			metric.WithDescription("Number of work invocations"),
		)
		if err != nil {
			initErrors = append(initErrors, "attempts: "+err.Error())
		}

		m.retries, err = meter.Int64Counter("pipeline_task_retry_total",
			metric.WithDescription("Number of scheduled retries"),
		)
		if err != nil {
			initErrors = append(initErrors, "retries: "+err.Error())
		}

		m.cascaded, err = meter.Int64Counter("pipeline_task_cascade_cancelled_total",
			metric.WithDescription("Number of tasks cancelled by an upstream failure"),
		)
		if err != nil {
			initErrors = append(initErrors, "cascaded: "+err.Error())
		}

		m.activeTasks, err = meter.Int64UpDownCounter("pipeline_active_tasks",
			metric.WithDescription("Number of tasks currently running or retrying"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_tasks: "+err.Error())
		}

		m.runDuration, err = meter.Float64Histogram("pipeline_run_duration_seconds",
			metric.WithDescription("Total run execution time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_duration: "+err.Error())
		}

		if len(initErrors) > 0 {
			logger.Error("failed to initialize some scheduler metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

func (m *instruments) recordOutcome(ctx context.Context, rec ExecutionRecord) {
	attrs := metric.WithAttributes(
		attribute.String("kind", rec.Kind),
		attribute.String("status", rec.Status.String()),
	)
	if m.taskOutcomes != nil {
		m.taskOutcomes.Add(ctx, 1, attrs)
	}
	if m.taskDuration != nil && !rec.StartedAt.IsZero() {
		m.taskDuration.Record(ctx, rec.Duration().Seconds(), attrs)
	}
}

func (m *instruments) add(ctx context.Context, c metric.Int64Counter, kind string) {
	if c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}
