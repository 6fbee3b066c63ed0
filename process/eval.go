package process

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
)

// Evaluator compiles and runs expressions used by conditions, assignments and
// property aliases. Compiled programs are cached by expression text.
type Evaluator struct {
	mu       sync.Mutex
	programs map[string]*exprvm.Program
}

func NewEvaluator() *Evaluator {
	return &Evaluator{
		programs: map[string]*exprvm.Program{},
	}
}

func (e *Evaluator) Compile(expression string) (*exprvm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.programs[expression]; ok {
		return p, nil
	}

	// Variables are only known at run time. expr.Env has to come before
	// AllowUndefinedVariables.
	p, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", expression, err)
	}

	e.programs[expression] = p

	return p, nil
}

func (e *Evaluator) Eval(expression string, env map[string]any) (any, error) {
	p, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}

	if env == nil {
		env = map[string]any{}
	}

	out, err := expr.Run(p, env)
	if err != nil {
		return nil, fmt.Errorf("evaluating %q: %w", expression, err)
	}

	return out, nil
}

// EvalBool evaluates a condition. An empty expression is true.
func (e *Evaluator) EvalBool(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	out, err := e.Eval(expression, env)
	if err != nil {
		return false, err
	}

	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %T, not bool", expression, out)
	}

	return b, nil
}
