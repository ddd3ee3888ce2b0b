package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/quaystone/tradeflow/pkg/dsl"
)

// ExprEngine evaluates "expr:" prefixed condition strings with
// expr-lang/expr, which covers the collection operations (filter, map,
// any, all, sum) and nil-safe navigation (??, ?.) that single binary
// comparisons cannot express.
type ExprEngine struct {
	programs sync.Map // expression string -> *vm.Program
}

// NewExprEngine creates an Expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs an expression against data, with every key of data
// available as a top-level variable. Programs compile once per distinct
// expression; the cache is append-only and safe for concurrent runs.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, dsl.NewError(dsl.CodeConditionInvalid, "empty expr expression")
	}
	if data == nil {
		data = map[string]any{}
	}

	prg, err := e.program(expression, data)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, dsl.NewErrorf(dsl.CodeConditionInvalid,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (e *ExprEngine) program(expression string, env map[string]any) (*vm.Program, error) {
	if cached, ok := e.programs.Load(expression); ok {
		return cached.(*vm.Program), nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, dsl.NewErrorf(dsl.CodeConditionInvalid,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	// Two runs may compile the same expression concurrently; keep the
	// first stored program so callers share one.
	actual, _ := e.programs.LoadOrStore(expression, prg)
	return actual.(*vm.Program), nil
}

var _ Engine = (*ExprEngine)(nil)
