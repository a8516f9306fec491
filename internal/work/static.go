package work

import (
	"context"
	"maps"

	"github.com/aristath/pipeline/internal/scheduler"
)

// StaticInvoker returns fixed data. Inputs whose keys are not part of the
// fixed data are passed through, so downstream tasks can see them.
type StaticInvoker struct {
	data map[string]any
}

// NewStaticInvoker creates an invoker that always succeeds with data.
func NewStaticInvoker(data map[string]any) *StaticInvoker {
	return &StaticInvoker{data: maps.Clone(data)}
}

// Invoke returns the fixed data merged with the inputs.
func (s *StaticInvoker) Invoke(ctx context.Context, inputs map[string]any) (scheduler.Result, error) {
	if err := ctx.Err(); err != nil {
		return scheduler.Result{}, err
	}

	out := make(map[string]any, len(s.data)+len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	for k, v := range s.data {
		out[k] = v
	}
	return scheduler.Result{Success: true, Data: out}, nil
}
