package condition

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var defaultEngine = newExprEngine()

// exprEngine compiles boolean expressions once and reuses the programs.
type exprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newExprEngine() *exprEngine {
	return &exprEngine{cache: make(map[string]*vm.Program)}
}

func (e *exprEngine) program(src string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[src]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if prog, ok := e.cache[src]; ok {
		return prog, nil
	}
	prog, err := expr.Compile(src,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
		expr.Function("lower", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("lower expects 1 argument")
			}
			return strings.ToLower(fmt.Sprint(params[0])), nil
		}),
	)
	if err != nil {
		return nil, err
	}
	e.cache[src] = prog
	return prog, nil
}

func (e *exprEngine) eval(src string, snapshot map[string]any) (bool, error) {
	prog, err := e.program(src)
	if err != nil {
		return false, fmt.Errorf("%w: expression: %v", ErrMalformed, err)
	}
	env := snapshot
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		// Runtime failures come from snapshot shape (nil fields and the like).
		return false, nil
	}
	b, ok := out.(bool)
	return ok && b, nil
}
