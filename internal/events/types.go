package events

import (
	"time"

	"github.com/aristath/pipeline/internal/scheduler"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask = "task"
	TopicDAG  = "dag"
)

// Event type constants
const (
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskRetrying  = "task.retrying"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskCancelled = "task.cancelled"
	EventTypeLevelStarted  = "dag.level_started"
	EventTypeLevelSettled  = "dag.level_settled"
	EventTypeDAGProgress   = "dag.progress"
)

// TaskStartedEvent is published when a task's first attempt begins.
type TaskStartedEvent struct {
	ID        string
	Kind      string
	Level     int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskRetryingEvent is published when an attempt failed and another is
// scheduled after Backoff.
type TaskRetryingEvent struct {
	ID        string
	Attempt   int // Zero-based attempt that just failed
	Backoff   time.Duration
	Reason    scheduler.ErrorReason
	Message   string
	Timestamp time.Time
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Attempts  int
	Data      map[string]any
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails for good.
type TaskFailedEvent struct {
	ID        string
	Attempts  int
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a task will never run.
type TaskCancelledEvent struct {
	ID          string
	Reason      scheduler.ErrorReason
	CancelledBy string // Root failed task for upstream_failed
	Timestamp   time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// LevelStartedEvent is published before a level's tasks are launched.
type LevelStartedEvent struct {
	Level     int
	Tasks     []string
	Timestamp time.Time
}

func (e LevelStartedEvent) EventType() string { return EventTypeLevelStarted }
func (e LevelStartedEvent) TaskID() string    { return "" }

// LevelSettledEvent is published once every task of a level is terminal.
type LevelSettledEvent struct {
	Level     int
	Completed int
	Failed    int
	Cancelled int
	Timestamp time.Time
}

func (e LevelSettledEvent) EventType() string { return EventTypeLevelSettled }
func (e LevelSettledEvent) TaskID() string    { return "" }

// DAGProgressEvent is published when DAG progress changes.
type DAGProgressEvent struct {
	Total     int
	Completed int
	Running   int
	Failed    int
	Cancelled int
	Pending   int
	Timestamp time.Time
}

func (e DAGProgressEvent) EventType() string { return EventTypeDAGProgress }
func (e DAGProgressEvent) TaskID() string    { return "" }

// Topic returns the topic an event is published on.
func Topic(e Event) string {
	if e.TaskID() == "" {
		return TopicDAG
	}
	return TopicTask
}
