package calc

import (
	"reflect"
	"time"

	"github.com/cuemby/fleetd/pkg/types"
)

// outcome is the product of one evaluation. Changed is set when the
// evaluation produced something new worth persisting and emitting.
type outcome struct {
	Result  map[string]any
	Changed bool
}

// evaluator applies a field's rule to a candidate state. It may mutate the
// candidate (geofencing membership) but never the committed state.
type evaluator interface {
	evaluate(s State, now time.Time) (outcome, error)
}

// compile builds the evaluator for a field configuration. Expression and
// script syntax errors surface here as validation errors.
func compile(f *types.CalculatedField) (evaluator, error) {
	switch f.Type {
	case types.FieldTypeSimple:
		return compileSimple(f)
	case types.FieldTypeScript:
		return compileScript(f)
	case types.FieldTypeGeofencing:
		return newGeofencing(f), nil
	default:
		return nil, validationf("Unsupported calculated field type: %s", f.Type)
	}
}

// argumentValues flattens single-value arguments for expression and script environments
func argumentValues(s State) map[string]any {
	args := s.Base().Arguments
	env := make(map[string]any, len(args))
	for name, entry := range args {
		if entry.Kind == EntrySingleValue {
			env[name] = entry.Value
		}
	}
	return env
}

func resultChanged(prev, next map[string]any) bool {
	if len(prev) == 0 && len(next) == 0 {
		return false
	}
	return !reflect.DeepEqual(prev, next)
}

// normalize maps numeric values onto float64 so results compare equal
// before and after a JSON round trip
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, x := range n {
			out[k] = normalize(x)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, x := range n {
			out[i] = normalize(x)
		}
		return out
	}
	return v
}
