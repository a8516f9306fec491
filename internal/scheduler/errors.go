package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoTasks is returned by Build when the task set is empty.
	ErrNoTasks = errors.New("no tasks submitted")

	// ErrTimeout marks an attempt that exceeded its task timeout.
	ErrTimeout = errors.New("attempt timed out")

	// ErrCriteriaNotMet marks a nominally successful result rejected by the
	// task's success criteria.
	ErrCriteriaNotMet = errors.New("success criteria not met")

	// ErrCircuitOpen marks a work invocation rejected by a circuit breaker.
	// Attempts failing with it are not retried.
	ErrCircuitOpen = errors.New("circuit open")
)

// PanicError wraps a value recovered from a panicking work function.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("work panicked: %v", e.Value)
}

// DuplicateTaskIDError is returned when two tasks share an ID.
type DuplicateTaskIDError struct {
	ID string
}

func (e *DuplicateTaskIDError) Error() string {
	return fmt.Sprintf("duplicate task id %q", e.ID)
}

// UnknownDependencyError is returned when a task depends on an ID that is
// not part of the submitted set.
type UnknownDependencyError struct {
	Task       string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on unknown task %q", e.Task, e.Dependency)
}

// CyclicDependencyError is returned when the dependency graph has a cycle.
// Task is the first task found on the cycle, Path lists the cycle itself.
type CyclicDependencyError struct {
	Task string
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("dependency cycle at task %q", e.Task)
	}
	return fmt.Sprintf("dependency cycle at task %q: %s", e.Task, strings.Join(e.Path, " -> "))
}

// InvalidBindingError is returned when an input binding reads from a task
// that is not a declared dependency.
type InvalidBindingError struct {
	Task   string
	Param  string
	Source string
}

func (e *InvalidBindingError) Error() string {
	return fmt.Sprintf("task %q input %q binds to %q which is not a dependency", e.Task, e.Param, e.Source)
}

// InvalidTaskError is returned for malformed task declarations.
type InvalidTaskError struct {
	Task   string
	Reason string
}

func (e *InvalidTaskError) Error() string {
	if e.Task == "" {
		return "invalid task: " + e.Reason
	}
	return fmt.Sprintf("invalid task %q: %s", e.Task, e.Reason)
}

// UnknownTaskError is returned when the ledger is asked about an ID it does
// not hold.
type UnknownTaskError struct {
	ID string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task %q", e.ID)
}

// InvalidTransitionError signals a scheduler bug: a state machine edge that
// must never be taken. The ledger panics with it.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for task %q: %s -> %s", e.ID, e.From, e.To)
}

// ErrorReason classifies why an attempt or task did not succeed.
type ErrorReason string

const (
	ReasonTimeout           ErrorReason = "timeout"
	ReasonWorkFailed        ErrorReason = "work_failed"
	ReasonCriteriaNotMet    ErrorReason = "criteria_not_met"
	ReasonPanic             ErrorReason = "panic"
	ReasonCircuitOpen       ErrorReason = "circuit_open"
	ReasonBindingUnresolved ErrorReason = "binding_unresolved"
	ReasonUpstreamFailed    ErrorReason = "upstream_failed"
	ReasonRunCancelled      ErrorReason = "run_cancelled"
)

// TaskError is the error recorded on a task's execution record.
type TaskError struct {
	Reason   ErrorReason `json:"reason"`
	Message  string      `json:"message"`
	Upstream string      `json:"upstream,omitempty"` // set for cascade cancellations
	Cause    error       `json:"-"`
}

func (e *TaskError) Error() string {
	if e.Upstream != "" {
		return fmt.Sprintf("%s: %s (upstream %q)", e.Reason, e.Message, e.Upstream)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *TaskError) Unwrap() error { return e.Cause }

func newTaskError(reason ErrorReason, cause error) *TaskError {
	msg := string(reason)
	if cause != nil {
		msg = cause.Error()
	}
	return &TaskError{Reason: reason, Message: msg, Cause: cause}
}

func cloneTaskError(e *TaskError) *TaskError {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}
