package validation

import (
	"github.com/quaystone/tradeflow/pkg/dsl"
)

// validateSemantics enforces what JSON Schema cannot: unique node ids, edge
// endpoints that exist, self-loop rejection, and acyclicity of the
// node/edge graph.
func validateSemantics(doc *dsl.WorkflowDsl) error {
	ids := make(map[string]bool, len(doc.Nodes))
	for i := range doc.Nodes {
		id := doc.Nodes[i].ID
		if ids[id] {
			return dsl.NewErrorf(dsl.CodeDslInvalid, "duplicate node id %q", id)
		}
		ids[id] = true
	}

	for i := range doc.Edges {
		e := &doc.Edges[i]
		if !ids[e.From] {
			return dsl.NewErrorf(dsl.CodeDslInvalid, "edge references unknown source node %q", e.From)
		}
		if !ids[e.To] {
			return dsl.NewErrorf(dsl.CodeDslInvalid, "edge references unknown target node %q", e.To)
		}
		if e.From == e.To {
			return dsl.NewErrorf(dsl.CodeDslInvalid, "edge from %q to itself", e.From)
		}
		if e.Type() == dsl.EdgeCondition && e.Condition == nil {
			return dsl.NewErrorf(dsl.CodeDslInvalid, "condition-edge %s -> %s has no condition", e.From, e.To)
		}
	}

	return checkAcyclic(doc)
}

// checkAcyclic runs Kahn's algorithm over all edges. Any leftover node
// after the topological peel sits on a cycle.
func checkAcyclic(doc *dsl.WorkflowDsl) error {
	indegree := make(map[string]int, len(doc.Nodes))
	adj := make(map[string][]string, len(doc.Nodes))
	for i := range doc.Nodes {
		indegree[doc.Nodes[i].ID] = 0
	}
	for i := range doc.Edges {
		e := &doc.Edges[i]
		adj[e.From] = append(adj[e.From], e.To)
		indegree[e.To]++
	}

	queue := make([]string, 0, len(indegree))
	for i := range doc.Nodes {
		if indegree[doc.Nodes[i].ID] == 0 {
			queue = append(queue, doc.Nodes[i].ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(doc.Nodes) {
		var cyclic []string
		for id, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return dsl.NewErrorf(dsl.CodeDslInvalid,
			"workflow graph contains a cycle involving %d node(s)", len(cyclic)).
			WithDetails(map[string]any{"nodes": cyclic})
	}
	return nil
}
