package dsl

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Mode selects the execution strategy for a workflow version.
type Mode string

const (
	ModeLinear Mode = "LINEAR"
	ModeDAG    Mode = "DAG"
	ModeDebate Mode = "DEBATE"
)

// EdgeType enumerates the kinds of edges between nodes.
type EdgeType string

const (
	EdgeData      EdgeType = "data-edge"
	EdgeControl   EdgeType = "control-edge"
	EdgeCondition EdgeType = "condition-edge"
	EdgeError     EdgeType = "error-edge"
)

// OnErrorMode controls what a terminal node failure does to the execution.
type OnErrorMode string

const (
	OnErrorFailFast     OnErrorMode = "FAIL_FAST"
	OnErrorContinue     OnErrorMode = "CONTINUE"
	OnErrorRouteToError OnErrorMode = "ROUTE_TO_ERROR"
)

// ParseOnError parses an on-error mode, falling back to CONTINUE for
// anything unrecognized.
func ParseOnError(v string) OnErrorMode {
	switch OnErrorMode(strings.ToUpper(strings.TrimSpace(v))) {
	case OnErrorFailFast:
		return OnErrorFailFast
	case OnErrorRouteToError:
		return OnErrorRouteToError
	default:
		return OnErrorContinue
	}
}

// NodeTypeSubflow is the reserved node type that triggers another workflow
// definition as a nested run.
const NodeTypeSubflow = "subflow-call"

// WorkflowDsl is the declarative node/edge graph describing one workflow
// version. It is treated as a given input: produced elsewhere, validated and
// canonicalized here before execution.
type WorkflowDsl struct {
	Mode                  Mode       `json:"mode,omitempty"`
	Nodes                 []Node     `json:"nodes"`
	Edges                 []Edge     `json:"edges,omitempty"`
	RunPolicy             *RunPolicy `json:"runPolicy,omitempty"`
	AgentBindings         []string   `json:"agentBindings,omitempty"`
	ParamSetBindings      []string   `json:"paramSetBindings,omitempty"`
	DataConnectorBindings []string   `json:"dataConnectorBindings,omitempty"`
}

// Node is one typed step in the graph. Config and RuntimePolicy are dynamic
// payloads validated at resolve-time, not parse-time.
type Node struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Name          string            `json:"name,omitempty"`
	Enabled       *bool             `json:"enabled,omitempty"` // nil means enabled
	Config        map[string]any    `json:"config,omitempty"`
	RuntimePolicy map[string]any    `json:"runtimePolicy,omitempty"`
	InputBindings map[string]string `json:"inputBindings,omitempty"`
}

// IsEnabled reports whether the node participates in execution.
func (n *Node) IsEnabled() bool {
	return n.Enabled == nil || *n.Enabled
}

// Edge connects two nodes. From/To must reference existing node IDs; a
// violation is a structural defect caught by validation, never at runtime.
type Edge struct {
	ID        string     `json:"id,omitempty"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	EdgeType  EdgeType   `json:"edgeType,omitempty"` // empty means data-edge
	Condition *Condition `json:"condition,omitempty"`
	Transform string     `json:"transform,omitempty"` // jq program applied to the source output (data edges)
}

// Type returns the effective edge type, defaulting to data-edge.
func (e *Edge) Type() EdgeType {
	if e.EdgeType == "" {
		return EdgeData
	}
	return e.EdgeType
}

// RunPolicy holds workflow-level run configuration. NodeDefaults is the
// fallback source for per-node runtime policy fields.
type RunPolicy struct {
	NodeDefaults map[string]any `json:"nodeDefaults,omitempty"`
}

// Condition is the payload of a condition-edge: either a structured
// {field, operator, value} comparison against the source node's output, or
// an opaque string expression (template comparison, "cel:..." or "expr:...").
// The two shapes share one JSON position, so Condition is a tagged union
// decoded by UnmarshalJSON.
type Condition struct {
	// Object form.
	Field    string `json:"field,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value,omitempty"`

	// String form. Set when the condition was a bare JSON string.
	Expr string `json:"expr,omitempty"`
}

// IsExpr reports whether the condition is the string-expression variant.
func (c *Condition) IsExpr() bool { return c.Expr != "" }

// UnmarshalJSON accepts both a bare string and the object form.
func (c *Condition) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		c.Expr = s
		return nil
	}

	type alias Condition
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("condition must be a string or {field, operator, value} object: %w", err)
	}
	*c = Condition(a)
	return nil
}

// MarshalJSON emits the string form as a bare string so canonicalization is
// stable across decode/encode round trips.
func (c Condition) MarshalJSON() ([]byte, error) {
	if c.Expr != "" && c.Field == "" && c.Operator == "" {
		return json.Marshal(c.Expr)
	}
	type alias Condition
	return json.Marshal(alias(c))
}

// NodeByID returns the node with the given ID, or nil.
func (d *WorkflowDsl) NodeByID(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// EffectiveMode returns the mode, defaulting to LINEAR.
func (d *WorkflowDsl) EffectiveMode() Mode {
	switch d.Mode {
	case ModeDAG, ModeDebate:
		return d.Mode
	default:
		return ModeLinear
	}
}

// Canonical returns a normalized deep copy: mode and edge types made
// explicit, nodes sorted by ID, edges sorted by (from, to, id), binding
// lists sorted. Semantically identical graphs canonicalize to the same
// value, so they hash and replay identically.
func (d *WorkflowDsl) Canonical() *WorkflowDsl {
	cp := &WorkflowDsl{
		Mode:                  d.EffectiveMode(),
		Nodes:                 make([]Node, len(d.Nodes)),
		Edges:                 make([]Edge, len(d.Edges)),
		AgentBindings:         sortedCopy(d.AgentBindings),
		ParamSetBindings:      sortedCopy(d.ParamSetBindings),
		DataConnectorBindings: sortedCopy(d.DataConnectorBindings),
	}
	copy(cp.Nodes, d.Nodes)
	copy(cp.Edges, d.Edges)

	sort.Slice(cp.Nodes, func(i, j int) bool { return cp.Nodes[i].ID < cp.Nodes[j].ID })
	for i := range cp.Edges {
		cp.Edges[i].EdgeType = cp.Edges[i].Type()
	}
	sort.Slice(cp.Edges, func(i, j int) bool {
		a, b := cp.Edges[i], cp.Edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.ID < b.ID
	})

	if d.RunPolicy != nil {
		cp.RunPolicy = &RunPolicy{NodeDefaults: d.RunPolicy.NodeDefaults}
	}
	return cp
}

// Hash returns a stable hex digest of the canonical DSL.
func (d *WorkflowDsl) Hash() string {
	data, err := json.Marshal(d.Canonical())
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sortedCopy(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	cp := make([]string, len(s))
	copy(cp, s)
	sort.Strings(cp)
	return cp
}
