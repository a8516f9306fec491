// Package plan turns plan files and configured workflows into scheduler
// task declarations.
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/aristath/pipeline/internal/config"
	"github.com/aristath/pipeline/internal/scheduler"
)

// planValidate is the validator instance for plan files.
// Initialized in init() with custom validators.
var planValidate *validator.Validate

func init() {
	planValidate = validator.New()
	_ = planValidate.RegisterValidation("duration", validateDuration)
}

// validateDuration accepts empty strings and anything time.ParseDuration accepts.
func validateDuration(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return true
	}
	d, err := time.ParseDuration(s)
	return err == nil && d >= 0
}

// File is the YAML document accepted by `pipeline run --plan`.
type File struct {
	Name        string     `yaml:"name" validate:"required"`
	Description string     `yaml:"description"`
	Tasks       []TaskSpec `yaml:"tasks" validate:"required,min=1,dive"`
}

// TaskSpec declares one task in a plan file.
type TaskSpec struct {
	ID        string            `yaml:"id" validate:"required,excludes=."`
	Name      string            `yaml:"name"`
	Kind      string            `yaml:"kind" validate:"required"`
	DependsOn []string          `yaml:"depends_on" validate:"dive,required"`
	Timeout   string            `yaml:"timeout" validate:"duration"`
	Retry     *RetrySpec        `yaml:"retry"`
	Criteria  string            `yaml:"criteria"`
	Inputs    map[string]string `yaml:"inputs" validate:"dive,keys,required,endkeys,required"`
	Params    map[string]any    `yaml:"params"`
}

// RetrySpec overrides the configured retry defaults for one task. Omitted
// fields keep the default.
type RetrySpec struct {
	MaxRetries *int     `yaml:"max_retries" validate:"omitempty,gte=0"`
	BaseDelay  string   `yaml:"base_delay" validate:"duration"`
	Multiplier *float64 `yaml:"multiplier" validate:"omitempty,gte=0"`
	Jitter     *float64 `yaml:"jitter" validate:"omitempty,gte=0,lt=1"`
}

// Plan is a named, ready-to-build task list.
type Plan struct {
	Name        string
	Description string
	Tasks       []*scheduler.Task
}

// Load reads and parses a plan file.
func Load(path string, defaults config.DefaultsConfig) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}
	p, err := Parse(data, defaults)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a YAML plan. Unknown keys are rejected.
func Parse(data []byte, defaults config.DefaultsConfig) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if err := planValidate.Struct(&f); err != nil {
		return nil, describe(err)
	}

	p := &Plan{Name: f.Name, Description: f.Description}
	for _, spec := range f.Tasks {
		step, err := spec.step(defaults.Retry)
		if err != nil {
			return nil, err
		}
		task, err := newTask(step, defaults)
		if err != nil {
			return nil, err
		}
		p.Tasks = append(p.Tasks, task)
	}
	return p, nil
}

// step converts a plan entry to the workflow step shape shared with config.
// A retry block is laid over base field by field.
func (s TaskSpec) step(base config.RetryConfig) (config.WorkflowStepConfig, error) {
	step := config.WorkflowStepConfig{
		ID:        s.ID,
		Name:      s.Name,
		Kind:      s.Kind,
		DependsOn: s.DependsOn,
		Criteria:  s.Criteria,
		Inputs:    s.Inputs,
		Params:    s.Params,
	}
	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return step, fmt.Errorf("task %q: invalid timeout: %w", s.ID, err)
		}
		step.Timeout = config.Duration(d)
	}
	if s.Retry != nil {
		r := base
		if s.Retry.MaxRetries != nil {
			r.MaxRetries = *s.Retry.MaxRetries
		}
		if s.Retry.Multiplier != nil {
			r.Multiplier = *s.Retry.Multiplier
		}
		if s.Retry.Jitter != nil {
			r.Jitter = *s.Retry.Jitter
		}
		if s.Retry.BaseDelay != "" {
			d, err := time.ParseDuration(s.Retry.BaseDelay)
			if err != nil {
				return step, fmt.Errorf("task %q: invalid base_delay: %w", s.ID, err)
			}
			r.BaseDelay = config.Duration(d)
		}
		step.Retry = &r
	}
	return step, nil
}

// newTask builds a scheduler task from a step, filling the timeout and retry
// policy from defaults when the step leaves them unset.
func newTask(step config.WorkflowStepConfig, defaults config.DefaultsConfig) (*scheduler.Task, error) {
	task := &scheduler.Task{
		ID:        step.ID,
		Name:      step.Name,
		Kind:      step.Kind,
		DependsOn: append([]string(nil), step.DependsOn...),
		Timeout:   step.Timeout.Std(),
		Retry:     retryPolicy(defaults.Retry),
		Params:    cloneParams(step.Params),
	}
	if task.Timeout == 0 {
		task.Timeout = defaults.Timeout.Std()
	}
	if step.Retry != nil {
		task.Retry = retryPolicy(*step.Retry)
	}

	if step.Criteria != "" {
		criteria, err := scheduler.Expression(step.Criteria)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", step.ID, err)
		}
		task.Criteria = criteria
	}

	if len(step.Inputs) > 0 {
		task.Inputs = make(map[string]scheduler.Binding, len(step.Inputs))
		for param, source := range step.Inputs {
			task.Inputs[param] = scheduler.ParseBinding(source)
		}
	}
	return task, nil
}

func retryPolicy(rc config.RetryConfig) scheduler.RetryPolicy {
	return scheduler.RetryPolicy{
		MaxRetries: rc.MaxRetries,
		BaseDelay:  rc.BaseDelay.Std(),
		Multiplier: rc.Multiplier,
		Jitter:     rc.Jitter,
	}
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// describe flattens validator errors into one readable error.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "File.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
	}
	return fmt.Errorf("invalid plan: %s", strings.Join(msgs, "; "))
}
