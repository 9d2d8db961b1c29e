package calc

import (
	"time"

	"github.com/cuemby/fleetd/pkg/types"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// simpleEvaluator evaluates an arithmetic or boolean expression over the
// field's arguments, e.g. "(temperature - 32) / 1.8"
type simpleEvaluator struct {
	output  string
	program *vm.Program
}

func compileSimple(f *types.CalculatedField) (*simpleEvaluator, error) {
	program, err := expr.Compile(f.Expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, validationf("Invalid expression for calculated field '%s': %v", f.Name, err)
	}
	return &simpleEvaluator{output: f.Output.Name, program: program}, nil
}

func (e *simpleEvaluator) evaluate(s State, _ time.Time) (outcome, error) {
	value, err := expr.Run(e.program, argumentValues(s))
	if err != nil {
		return outcome{}, &EvaluationError{Err: err}
	}

	result := map[string]any{e.output: normalize(value)}
	return outcome{Result: result, Changed: resultChanged(s.Base().Result, result)}, nil
}
