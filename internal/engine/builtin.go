package engine

import (
	"context"

	"github.com/quaystone/tradeflow/internal/expressions"
	"github.com/quaystone/tradeflow/pkg/dsl"
)

// Builtins returns the generic executors every deployment carries. Domain
// node types (data feeds, analysis agents) are registered by the embedding
// service on top of these.
func Builtins() []NodeExecutor {
	return []NodeExecutor{
		&ConstantExecutor{},
		NewTransformExecutor(),
	}
}

// ConstantExecutor emits the node's configured output verbatim. Useful for
// pinned inputs, fixtures, and wiring checks.
type ConstantExecutor struct{}

func (*ConstantExecutor) Type() string { return "constant" }

func (*ConstantExecutor) Execute(_ context.Context, in *NodeInput) (*Result, error) {
	output, _ := in.Node.Config["output"].(map[string]any)
	if output == nil {
		output = map[string]any{}
	}
	return &Result{Status: ResultSuccess, Output: output}, nil
}

// TransformExecutor applies a jq program from config to the node's resolved
// input values.
type TransformExecutor struct {
	jq *expressions.GoJQEngine
}

func NewTransformExecutor() *TransformExecutor {
	return &TransformExecutor{jq: expressions.NewGoJQEngine()}
}

func (*TransformExecutor) Type() string { return "jq-transform" }

func (t *TransformExecutor) Execute(ctx context.Context, in *NodeInput) (*Result, error) {
	program, ok := in.Node.Config["program"].(string)
	if !ok || program == "" {
		return nil, dsl.NewErrorf(dsl.CodeDslInvalid,
			"jq-transform node %s is missing config.program", in.Node.ID).
			WithCategory(dsl.FailureExecutor).WithNode(in.Node.ID)
	}

	result, err := t.jq.Transform(ctx, program, in.Values)
	if err != nil {
		return nil, err
	}

	if m, ok := result.(map[string]any); ok {
		return &Result{Status: ResultSuccess, Output: m}, nil
	}
	return &Result{Status: ResultSuccess, Output: map[string]any{"result": result}}, nil
}
