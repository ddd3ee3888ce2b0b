package expressions

import "context"

// Engine evaluates expressions against a run's resolved data.
// Three implementations: CEL and Expr (edge conditions), GoJQ (edge transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
