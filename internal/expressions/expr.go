// Package expressions evaluates the optional expression form of condition
// nodes. Operator-based conditions never pass through here; their comparison
// rule is fixed in the handlers package.
package expressions

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/nvidal/stepwise/pkg/schema"
)

// Engine compiles and evaluates expr-lang expressions against a variable
// snapshot. Thread-safe: compiled *vm.Program objects are cached and reused
// across goroutines.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEngine creates an expression engine with an empty program cache.
func NewEngine() *Engine {
	return &Engine{cache: make(map[string]*vm.Program)}
}

// Evaluate compiles (or retrieves from cache) an expression and evaluates it
// with the variable snapshot as its environment.
func (e *Engine) Evaluate(expression string, env map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expression")
	}

	prg, err := e.getOrCompile(expression, env)
	if err != nil {
		return nil, err
	}

	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler,
			"expression evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err)
	}
	return out, nil
}

// EvaluateBool evaluates the expression and reduces the result to a boolean:
// bool results are used directly, everything else by truthiness (non-zero,
// non-empty, non-nil).
func (e *Engine) EvaluateBool(expression string, env map[string]any) (bool, error) {
	out, err := e.Evaluate(expression, env)
	if err != nil {
		return false, err
	}
	switch v := out.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	case float64:
		return v != 0, nil
	case int:
		return v != 0, nil
	case string:
		return v != "", nil
	case []any:
		return len(v) > 0, nil
	case map[string]any:
		return len(v) > 0, nil
	default:
		return true, nil
	}
}

// Compile parses and caches an expression without evaluating it. Used at
// graph load time so malformed expressions surface as validation failures
// before the run starts.
func (e *Engine) Compile(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "empty expression")
	}
	_, err := e.getOrCompile(expression, nil)
	return err
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *Engine) getOrCompile(expression string, env map[string]any) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	if env == nil {
		env = map[string]any{}
	}
	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expression compile error in %q: %s", expression, err.Error()).
			WithCause(err)
	}

	e.cache[expression] = prg
	return prg, nil
}
