package engine

import (
	"encoding/json"
	"strings"

	"github.com/quaystone/tradeflow/internal/store"
	"github.com/quaystone/tradeflow/pkg/dsl"
)

// Node types whose outputs count as evidence in a replay bundle.
var evidenceNodeTypes = map[string]bool{
	"ai-analysis":        true,
	"research-report":    true,
	"futures-simulation": true,
	"decision":           true,
}

// ReplayBundle is the reconstructed view of a completed execution: which
// node produced which value and how it flowed.
type ReplayBundle struct {
	ExecutionID      string                   `json:"execution_id"`
	Status           dsl.ExecutionStatus      `json:"status"`
	DslHash          string                   `json:"dsl_hash,omitempty"`
	SoftFailureCount int                      `json:"soft_failure_count"`
	Evidence         []EvidenceEntry          `json:"evidence"`
	Lineage          []LineageEdge            `json:"lineage"`
	Nodes            map[string]*NodeSnapshot `json:"nodes"`
}

// EvidenceEntry is one evidence-bearing node output.
type EvidenceEntry struct {
	NodeID   string         `json:"node_id"`
	NodeType string         `json:"node_type"`
	Output   map[string]any `json:"output,omitempty"`
}

// LineageEdge annotates one DSL edge with the input fields through which
// the target consumed the source's output.
type LineageEdge struct {
	From       string       `json:"from"`
	To         string       `json:"to"`
	EdgeType   dsl.EdgeType `json:"edge_type"`
	ConsumedAs []string     `json:"consumed_as,omitempty"`
}

// NodeSnapshot is the per-node replay record.
type NodeSnapshot struct {
	NodeID          string              `json:"node_id"`
	NodeType        string              `json:"node_type"`
	Status          dsl.NodeStatus      `json:"status"`
	DurationMs      int64               `json:"duration_ms"`
	Input           map[string]any      `json:"input,omitempty"`
	Output          map[string]any      `json:"output,omitempty"`
	ErrorMessage    string              `json:"error_message,omitempty"`
	FailureCategory dsl.FailureCategory `json:"failure_category,omitempty"`
}

// AssembleReplay reconstructs a replay bundle from persisted node records
// and the canonical DSL. Pure; callers treat failures as best-effort.
func AssembleReplay(doc *dsl.WorkflowDsl, ex *store.Execution, nodeExecs []*store.NodeExecution) *ReplayBundle {
	bundle := &ReplayBundle{
		ExecutionID: ex.ID,
		Status:      ex.Status,
		DslHash:     doc.Hash(),
		Evidence:    []EvidenceEntry{},
		Lineage:     []LineageEdge{},
		Nodes:       make(map[string]*NodeSnapshot, len(nodeExecs)),
	}

	for _, ne := range nodeExecs {
		snap := &NodeSnapshot{
			NodeID:          ne.NodeID,
			NodeType:        ne.NodeType,
			Status:          ne.Status,
			DurationMs:      ne.DurationMs,
			Input:           decodeObject(ne.InputSnapshot),
			Output:          decodeObject(ne.OutputSnapshot),
			ErrorMessage:    ne.ErrorMessage,
			FailureCategory: ne.FailureCategory,
		}
		bundle.Nodes[ne.NodeID] = snap

		if ne.Status == dsl.NodeSuccess && evidenceNodeTypes[ne.NodeType] {
			bundle.Evidence = append(bundle.Evidence, EvidenceEntry{
				NodeID:   ne.NodeID,
				NodeType: ne.NodeType,
				Output:   snap.Output,
			})
		}
	}

	canonical := doc.Canonical()
	for i := range canonical.Edges {
		edge := &canonical.Edges[i]
		entry := LineageEdge{From: edge.From, To: edge.To, EdgeType: edge.Type()}

		if target, ok := bundle.Nodes[edge.To]; ok && target.Input != nil {
			if _, consumed := target.Input[edge.From]; consumed {
				entry.ConsumedAs = append(entry.ConsumedAs, edge.From)
			}
		}
		if targetNode := canonical.NodeByID(edge.To); targetNode != nil {
			for field, ref := range targetNode.InputBindings {
				if referencesNode(ref, edge.From) {
					entry.ConsumedAs = append(entry.ConsumedAs, field)
				}
			}
		}

		bundle.Lineage = append(bundle.Lineage, entry)
	}

	if len(ex.OutputSnapshot) > 0 {
		var out struct {
			Meta struct {
				SoftFailureCount int `json:"softFailureCount"`
			} `json:"_meta"`
		}
		if err := json.Unmarshal(ex.OutputSnapshot, &out); err == nil {
			bundle.SoftFailureCount = out.Meta.SoftFailureCount
		}
	}

	return bundle
}

// referencesNode reports whether a binding reference reads the given node's
// output, in either the nodes.<id> or bare <id> form.
func referencesNode(ref, nodeID string) bool {
	ref = strings.TrimSpace(ref)
	for _, prefix := range []string{"nodes." + nodeID, nodeID} {
		if ref == prefix ||
			strings.HasPrefix(ref, prefix+".") ||
			strings.HasPrefix(ref, prefix+"[") ||
			strings.Contains(ref, "{{"+prefix) {
			return true
		}
	}
	return false
}

func decodeObject(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
