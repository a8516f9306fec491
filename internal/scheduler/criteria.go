package scheduler

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/Knetic/govaluate"
)

// SuccessCriteria inspects a nominally successful result's data. A nil
// return means the criteria are met; otherwise the error explains which
// condition failed.
type SuccessCriteria func(data map[string]any) error

// Check evaluates the criteria. A nil SuccessCriteria accepts everything.
func (c SuccessCriteria) Check(data map[string]any) error {
	if c == nil {
		return nil
	}
	if err := c(data); err != nil {
		return fmt.Errorf("%w: %v", ErrCriteriaNotMet, err)
	}
	return nil
}

// AllOf combines criteria; the first failing one wins.
func AllOf(criteria ...SuccessCriteria) SuccessCriteria {
	return func(data map[string]any) error {
		for _, c := range criteria {
			if c == nil {
				continue
			}
			if err := c(data); err != nil {
				return err
			}
		}
		return nil
	}
}

// FieldAtLeast requires the numeric field at path to be present and >= min.
func FieldAtLeast(path string, min float64) SuccessCriteria {
	return func(data map[string]any) error {
		v, ok := lookupField(data, path)
		if !ok {
			return fmt.Errorf("field %q missing", path)
		}
		n, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("field %q is not numeric", path)
		}
		if n < min {
			return fmt.Errorf("field %q = %v, want >= %v", path, n, min)
		}
		return nil
	}
}

// FieldPresent requires a non-nil value at path.
func FieldPresent(path string) SuccessCriteria {
	return func(data map[string]any) error {
		if v, ok := lookupField(data, path); !ok || v == nil {
			return fmt.Errorf("field %q missing", path)
		}
		return nil
	}
}

// MatchFields requires every listed field that appears in the data to equal
// its expected value. Absent fields are not checked.
func MatchFields(expected map[string]any) SuccessCriteria {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return func(data map[string]any) error {
		for _, k := range keys {
			got, ok := lookupField(data, k)
			if !ok {
				continue
			}
			if !valuesEqual(got, expected[k]) {
				return fmt.Errorf("field %q = %v, want %v", k, got, expected[k])
			}
		}
		return nil
	}
}

// Expression compiles a boolean expression over the result data, for
// example "confidence_level >= 0.7 && risk_level != ''". Top-level keys are
// the expression's variables. A missing variable or a non-boolean result
// counts as not met.
func Expression(expr string) (SuccessCriteria, error) {
	compiled, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse criteria %q: %w", expr, err)
	}

	return func(data map[string]any) error {
		params := make(map[string]any, len(data))
		for k, v := range data {
			params[k] = normalizeNumber(v)
		}
		out, err := compiled.Evaluate(params)
		if err != nil {
			return fmt.Errorf("criteria %q: %w", expr, err)
		}
		ok, isBool := out.(bool)
		if !isBool {
			return fmt.Errorf("criteria %q evaluated to %T, want bool", expr, out)
		}
		if !ok {
			return errors.New("criteria " + expr + " is false")
		}
		return nil
	}, nil
}

// MustExpression is like Expression but panics on a parse error.
func MustExpression(expr string) SuccessCriteria {
	c, err := Expression(expr)
	if err != nil {
		panic(err)
	}
	return c
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// normalizeNumber widens numeric values to float64, the only numeric type
// govaluate compares.
func normalizeNumber(v any) any {
	if f, ok := toFloat(v); ok {
		return f
	}
	return v
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}
