package engine

import (
	"context"
	"sort"
	"strings"

	"github.com/quaystone/tradeflow/internal/expressions"
	"github.com/quaystone/tradeflow/pkg/dsl"
)

// buildNodeInput assembles a node's input values: edge-derived values keyed
// by source node id (data edges, with the optional jq transform applied),
// overlaid with resolved inputBindings. Bindings win on key collision. Any
// binding reference that cannot be resolved is a hard error naming every
// unresolved reference; it aborts only this node's execution.
func (e *Engine) buildNodeInput(ctx context.Context, node *dsl.Node, activeEdges []*dsl.Edge, state *runState, scope *expressions.Scope) (map[string]any, error) {
	values := make(map[string]any)

	for _, edge := range activeEdges {
		if edge.Type() != dsl.EdgeData {
			continue
		}
		output, ok := state.output(edge.From)
		if !ok {
			continue
		}
		if edge.Transform != "" {
			transformed, err := e.jq.Transform(ctx, edge.Transform, output)
			if err != nil {
				return nil, dsl.NewErrorf(dsl.CodeConditionInvalid,
					"transform on edge %s -> %s failed: %s", edge.From, edge.To, err.Error()).
					WithCause(err).WithNode(node.ID)
			}
			output = transformed
		}
		values[edge.From] = output
	}

	if len(node.InputBindings) == 0 {
		return values, nil
	}

	resolved := make(map[string]any, len(node.InputBindings))
	var unresolved []string
	for field, ref := range node.InputBindings {
		val, err := e.interp.ResolveBindingValue(ref, scope)
		if err != nil {
			unresolved = append(unresolved, field+" <- "+ref)
			continue
		}
		resolved[field] = val
	}
	if len(unresolved) > 0 {
		sort.Strings(unresolved)
		return nil, dsl.NewErrorf(dsl.CodeBindingUnresolved,
			"unresolved input bindings: [%s]", strings.Join(unresolved, "; ")).
			WithNode(node.ID).
			WithDetails(map[string]any{"unresolved": unresolved})
	}

	for field, val := range resolved {
		values[field] = val
	}
	return values, nil
}
