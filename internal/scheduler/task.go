package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTaskTimeout applies when a task declares no timeout.
const DefaultTaskTimeout = 30 * time.Second

// Status represents the current state of a task within a run.
type Status int

const (
	StatusPending   Status = iota // Waiting for its level
	StatusRunning                 // An attempt is executing
	StatusRetrying                // Waiting out a backoff delay
	StatusCompleted               // Finished successfully
	StatusFailed                  // Retries exhausted
	StatusCancelled               // Never ran, or pruned by an upstream failure
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusRunning:   "running",
	StatusRetrying:  "retrying",
	StatusCompleted: "completed",
	StatusFailed:    "failed",
	StatusCancelled: "cancelled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the status by name in snapshots and reports.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for st, n := range statusNames {
		if n == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", name)
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Binding selects an upstream task's output (or a field of it) as one input
// parameter. Field is a dotted path into the output map; empty selects the
// whole output.
type Binding struct {
	Task  string `json:"task" yaml:"task"`
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
}

// ParseBinding parses "task" or "task.field.path". Task IDs never contain
// a dot, so the first dot always ends the task part.
func ParseBinding(s string) Binding {
	task, field, _ := strings.Cut(s, ".")
	return Binding{Task: task, Field: field}
}

func (b Binding) String() string {
	if b.Field == "" {
		return b.Task
	}
	return b.Task + "." + b.Field
}

// Result is the outcome reported by the work capability for one attempt.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// WorkFunc performs the domain operation behind a task. The context carries
// the attempt deadline.
type WorkFunc func(ctx context.Context, task *Task, inputs map[string]any) (Result, error)

// Task is the declaration of one unit of work. It must not be modified once
// passed to Build.
type Task struct {
	ID        string             // Unique identifier within the run
	Name      string             // Human-readable name
	Kind      string             // Key into the capability table
	DependsOn []string           // Task IDs that must complete first
	Timeout   time.Duration      // Per-attempt deadline (0 means DefaultTaskTimeout)
	Retry     RetryPolicy        // Retry budget and backoff shape
	Criteria  SuccessCriteria    // Predicate over result data (nil accepts everything)
	Inputs    map[string]Binding // Input parameter -> upstream output
	Params    map[string]any     // Static input parameters
}

// NewTask creates a task with a generated ID.
func NewTask(kind string, dependsOn ...string) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		DependsOn: dependsOn,
		Retry:     DefaultRetryPolicy(),
	}
}

// EffectiveTimeout returns the per-attempt deadline actually enforced.
func (t *Task) EffectiveTimeout() time.Duration {
	if t.Timeout <= 0 {
		return DefaultTaskTimeout
	}
	return t.Timeout
}

// DisplayName returns Name, falling back to ID.
func (t *Task) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

func (t *Task) validate() error {
	if t.ID == "" {
		return &InvalidTaskError{Reason: "task id is required"}
	}
	// Bindings split "task.field" on the first dot
	if strings.Contains(t.ID, ".") {
		return &InvalidTaskError{Task: t.ID, Reason: "task id must not contain '.'"}
	}
	if t.Kind == "" {
		return &InvalidTaskError{Task: t.ID, Reason: "kind is required"}
	}
	if t.Timeout < 0 {
		return &InvalidTaskError{Task: t.ID, Reason: "timeout must be non-negative"}
	}
	if err := t.Retry.Validate(); err != nil {
		return &InvalidTaskError{Task: t.ID, Reason: err.Error()}
	}
	return nil
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.Inputs != nil {
		cp.Inputs = make(map[string]Binding, len(task.Inputs))
		for k, v := range task.Inputs {
			cp.Inputs[k] = v
		}
	}
	if task.Params != nil {
		cp.Params = make(map[string]any, len(task.Params))
		for k, v := range task.Params {
			cp.Params[k] = v
		}
	}
	return &cp
}
