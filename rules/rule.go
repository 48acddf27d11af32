package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator decides boolean conditions against a run context. Conditions
// appear as step guards, exit conditions, repeat conditions and the
// remediation exit check.
type Evaluator interface {
	Evaluate(condition string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator evaluates conditions with expr-lang/expr, caching compiled
// programs per condition string.
type ExprEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEvaluator creates an ExprEvaluator with an empty program cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate compiles (or reuses) the condition and runs it against env.
// An empty condition is vacuously true so optional guards can be omitted.
// The condition must produce a boolean.
func (e *ExprEvaluator) Evaluate(condition string, env map[string]interface{}) (bool, error) {
	if condition == "" || condition == "true" {
		return true, nil
	}
	if env == nil {
		env = make(map[string]interface{})
	}

	program, err := e.compile(condition, env)
	if err != nil {
		return false, fmt.Errorf("compile condition %q: %w", condition, err)
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("run condition %q: %w", condition, err)
	}

	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %T, want bool", condition, out)
	}
	return b, nil
}

func (e *ExprEvaluator) compile(condition string, env map[string]interface{}) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[condition]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[condition]; ok {
		return program, nil
	}

	program, err := expr.Compile(condition, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.cache[condition] = program
	return program, nil
}
