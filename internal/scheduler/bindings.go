package scheduler

import (
	"fmt"
	"strings"
)

// ResolveInputs assembles a task's input payload: its static Params overlaid
// with each bound upstream output read from the ledger. Bound values are
// copies, so work functions cannot mutate an upstream record.
func ResolveInputs(l *Ledger, task *Task) (map[string]any, error) {
	inputs := make(map[string]any, len(task.Params)+len(task.Inputs))
	for k, v := range task.Params {
		inputs[k] = cloneValue(v)
	}

	for _, param := range sortedKeys(task.Inputs) {
		b := task.Inputs[param]
		out, err := l.Output(b.Task)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", param, err)
		}
		if b.Field == "" {
			inputs[param] = cloneData(out)
			continue
		}
		v, ok := lookupField(out, b.Field)
		if !ok {
			return nil, fmt.Errorf("input %q: field %q not found in output of %q", param, b.Field, b.Task)
		}
		inputs[param] = cloneValue(v)
	}
	return inputs, nil
}

// lookupField walks a dotted path through nested maps.
func lookupField(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneData(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}
