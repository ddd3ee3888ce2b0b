package engine

import (
	"context"

	"github.com/quaystone/tradeflow/internal/expressions"
	"github.com/quaystone/tradeflow/pkg/dsl"
)

// edgeIndex holds the inbound/outbound adjacency of one canonical DSL.
type edgeIndex struct {
	inbound  map[string][]*dsl.Edge
	outbound map[string][]*dsl.Edge
}

func indexEdges(doc *dsl.WorkflowDsl) *edgeIndex {
	idx := &edgeIndex{
		inbound:  make(map[string][]*dsl.Edge),
		outbound: make(map[string][]*dsl.Edge),
	}
	for i := range doc.Edges {
		e := &doc.Edges[i]
		idx.inbound[e.To] = append(idx.inbound[e.To], e)
		idx.outbound[e.From] = append(idx.outbound[e.From], e)
	}
	return idx
}

// edgeVerdict is the edge evaluator's decision for one node.
type edgeVerdict int

const (
	verdictRun edgeVerdict = iota
	verdictSkip
)

// evaluateInbound decides whether a node should run or be skipped, given
// that all of its edge sources have settled. A node with zero inbound edges
// always runs. With inbound edges, the node runs if at least one edge is
// active; otherwise it is skipped with SkipReasonNoActiveEdge.
func (e *Engine) evaluateInbound(ctx context.Context, node *dsl.Node, idx *edgeIndex, state *runState, scope *expressions.Scope) (edgeVerdict, []*dsl.Edge, error) {
	inbound := idx.inbound[node.ID]
	if len(inbound) == 0 {
		return verdictRun, nil, nil
	}

	var active []*dsl.Edge
	for _, edge := range inbound {
		ok, err := e.edgeActive(ctx, edge, state, scope)
		if err != nil {
			return verdictSkip, nil, err
		}
		if ok {
			active = append(active, edge)
		}
	}

	if len(active) == 0 {
		return verdictSkip, nil, nil
	}
	return verdictRun, active, nil
}

// edgeActive reports whether one inbound edge is satisfied:
//   - error-edge: the source failed with onError=ROUTE_TO_ERROR
//   - condition-edge: the source has output and the condition holds
//   - data-edge / control-edge: the source has output
func (e *Engine) edgeActive(ctx context.Context, edge *dsl.Edge, state *runState, scope *expressions.Scope) (bool, error) {
	if edge.Type() == dsl.EdgeError {
		return state.isRouted(edge.From), nil
	}

	sourceOutput, ok := state.output(edge.From)
	if !ok {
		return false, nil
	}

	if edge.Type() == dsl.EdgeCondition {
		return e.conditions.Evaluate(ctx, edge.Condition, sourceOutput, scope)
	}
	return true, nil
}

// decidable reports whether every inbound edge source of a node has settled,
// making the node's verdict computable.
func decidable(node *dsl.Node, idx *edgeIndex, state *runState) bool {
	for _, edge := range idx.inbound[node.ID] {
		if !state.settled(edge.From) {
			return false
		}
	}
	return true
}

// propagateRoutedSkips marks every node reachable from a routed failure via
// non-error edges with a skip reason. Breadth-first, stopping at nodes
// already marked, so the walk is idempotent and cycle-safe. Nodes reachable
// only via an error-edge are the designated handler path and stay eligible.
func propagateRoutedSkips(fromID string, idx *edgeIndex, state *runState) []string {
	var marked []string
	queue := make([]string, 0, 4)

	for _, edge := range idx.outbound[fromID] {
		if edge.Type() == dsl.EdgeError {
			continue
		}
		queue = append(queue, edge.To)
	}

	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]

		if !state.markSkip(nodeID, SkipReasonErrorRouting) {
			continue
		}
		marked = append(marked, nodeID)

		for _, edge := range idx.outbound[nodeID] {
			if edge.Type() == dsl.EdgeError {
				continue
			}
			queue = append(queue, edge.To)
		}
	}
	return marked
}
