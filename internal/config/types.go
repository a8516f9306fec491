package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes as a string like "1.5s".
// Plain numbers are accepted as seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(val * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// RetryConfig mirrors scheduler.RetryPolicy.
type RetryConfig struct {
	MaxRetries int      `json:"max_retries"`
	BaseDelay  Duration `json:"base_delay"`
	Multiplier float64  `json:"multiplier"`
	Jitter     float64  `json:"jitter,omitempty"`
}

// DefaultsConfig applies to every task that does not override it.
type DefaultsConfig struct {
	Timeout Duration    `json:"timeout"`
	Retry   RetryConfig `json:"retry"`
}

// KindConfig binds a task kind to a built-in invoker.
type KindConfig struct {
	Type    string            `json:"type"`              // "command" or "static"
	Command string            `json:"command,omitempty"` // Binary for "command"
	Args    []string          `json:"args,omitempty"`    // Arguments for "command"
	Env     map[string]string `json:"env,omitempty"`     // Extra environment for "command"
	Dir     string            `json:"dir,omitempty"`     // Working directory for "command"
	Data    map[string]any    `json:"data,omitempty"`    // Output for "static"
}

// WorkflowStepConfig is one task template in a workflow.
type WorkflowStepConfig struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	Kind      string            `json:"kind"`
	DependsOn []string          `json:"depends_on,omitempty"`
	Timeout   Duration          `json:"timeout,omitempty"`
	Retry     *RetryConfig      `json:"retry,omitempty"`
	Criteria  string            `json:"criteria,omitempty"` // Boolean expression over result data
	Inputs    map[string]string `json:"inputs,omitempty"`   // Param -> "task" or "task.field"
	Params    map[string]any    `json:"params,omitempty"`
}

// WorkflowConfig is a named, reusable task graph.
type WorkflowConfig struct {
	Description string               `json:"description,omitempty"`
	Steps       []WorkflowStepConfig `json:"steps"`
}

// HealthCheckConfig describes one readiness probe run before a pipeline.
type HealthCheckConfig struct {
	Type    string   `json:"type"`              // "command", "http", or "file"
	Target  string   `json:"target"`            // Binary name, URL, or path
	Timeout Duration `json:"timeout,omitempty"` // Per-check deadline
}

// BreakerConfig tunes the per-kind circuit breakers. Breakers are off
// unless Enabled is set; a tripped breaker rejects attempts of every task
// of that kind until Timeout passes.
type BreakerConfig struct {
	Enabled             bool     `json:"enabled"`
	MaxRequests         uint32   `json:"max_requests"`         // Probes allowed while half-open
	Timeout             Duration `json:"timeout"`              // Open -> half-open delay
	ConsecutiveFailures uint32   `json:"consecutive_failures"` // Failures that trip the breaker
}

// PipelineConfig is the top-level configuration.
type PipelineConfig struct {
	MaxParallel  int                          `json:"max_parallel"`      // Per-level concurrency cap (0 = unbounded)
	Archive      string                       `json:"archive,omitempty"` // SQLite run archive path; empty disables it
	Defaults     DefaultsConfig               `json:"defaults"`
	Breaker      BreakerConfig                `json:"breaker"`
	Kinds        map[string]KindConfig        `json:"kinds"`
	Workflows    map[string]WorkflowConfig    `json:"workflows"`
	HealthChecks map[string]HealthCheckConfig `json:"health_checks"`
}

// Validate checks cross references between kinds and workflows.
func (c *PipelineConfig) Validate() error {
	for name, kind := range c.Kinds {
		switch kind.Type {
		case "static":
		case "command":
			if kind.Command == "" {
				return fmt.Errorf("kind %q: command is required", name)
			}
		default:
			return fmt.Errorf("kind %q: unknown type %q", name, kind.Type)
		}
	}

	for name, wf := range c.Workflows {
		if len(wf.Steps) == 0 {
			return fmt.Errorf("workflow %q has no steps", name)
		}
		for _, step := range wf.Steps {
			if step.ID == "" {
				return fmt.Errorf("workflow %q: step without id", name)
			}
			if _, ok := c.Kinds[step.Kind]; !ok {
				return fmt.Errorf("workflow %q step %q: unknown kind %q", name, step.ID, step.Kind)
			}
		}
	}

	for name, hc := range c.HealthChecks {
		switch hc.Type {
		case "command", "http", "file":
		default:
			return fmt.Errorf("health check %q: unknown type %q", name, hc.Type)
		}
		if hc.Target == "" {
			return fmt.Errorf("health check %q: target is required", name)
		}
	}

	if c.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must be non-negative")
	}
	return nil
}
