package plan

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/pipeline/internal/config"
)

// Overrides are parameter values supplied on the command line. Global
// values apply to every step that declares the parameter; Step values
// target one step and may introduce new parameters.
type Overrides struct {
	Global map[string]any
	Step   map[string]map[string]any
}

// ParseParams parses --param arguments of the form "key=value" or
// "step.key=value". Values are decoded as YAML scalars, so "650" is an int
// and "true" a bool.
func ParseParams(args []string) (Overrides, error) {
	o := Overrides{Global: map[string]any{}, Step: map[string]map[string]any{}}
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return o, fmt.Errorf("invalid param %q: expected key=value", arg)
		}

		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}

		if step, name, scoped := strings.Cut(key, "."); scoped {
			if step == "" || name == "" {
				return o, fmt.Errorf("invalid param %q: expected step.key=value", arg)
			}
			if o.Step[step] == nil {
				o.Step[step] = map[string]any{}
			}
			o.Step[step][name] = value
			continue
		}
		o.Global[key] = value
	}
	return o, nil
}

// Expand instantiates a configured workflow as a plan. Every step becomes a
// task with the step ID as task ID.
func Expand(name string, wf config.WorkflowConfig, defaults config.DefaultsConfig, o Overrides) (*Plan, error) {
	if len(wf.Steps) == 0 {
		return nil, fmt.Errorf("workflow %q has no steps", name)
	}

	known := make(map[string]bool, len(wf.Steps))
	for _, step := range wf.Steps {
		known[step.ID] = true
	}
	for _, step := range sortedStepNames(o.Step) {
		if !known[step] {
			return nil, fmt.Errorf("workflow %q has no step %q", name, step)
		}
	}

	p := &Plan{Name: name, Description: wf.Description}
	for _, step := range wf.Steps {
		step.Params = applyOverrides(step.Params, o.Global, o.Step[step.ID])
		task, err := newTask(step, defaults)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: %w", name, err)
		}
		p.Tasks = append(p.Tasks, task)
	}
	return p, nil
}

// applyOverrides returns a copy of params with global values replacing
// declared keys and step values replacing or adding keys.
func applyOverrides(params, global, step map[string]any) map[string]any {
	out := cloneParams(params)
	if out == nil && len(step) > 0 {
		out = make(map[string]any, len(step))
	}
	for k, v := range global {
		if _, declared := out[k]; declared {
			out[k] = v
		}
	}
	for k, v := range step {
		out[k] = v
	}
	return out
}

func sortedStepNames(m map[string]map[string]any) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
