package engine

import (
	"context"
	"sort"
	"strings"

	"github.com/quaystone/tradeflow/pkg/dsl"
)

// Result statuses a node executor may report without raising an error.
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// NodeInput is the resolved input handed to a node executor: edge-derived
// values overlaid with resolved input bindings, plus the run's parameter
// snapshot and execution metadata.
type NodeInput struct {
	ExecutionID string
	Node        *dsl.Node
	Values      map[string]any
	Params      map[string]any
	Meta        map[string]any
}

// Result is a node executor's verdict. A FAILED status is equivalent to
// returning an error and classifies as EXECUTOR/NODE_EXECUTOR_FAILED.
type Result struct {
	Status  string         `json:"status"`
	Output  map[string]any `json:"output,omitempty"`
	Message string         `json:"message,omitempty"`
}

// NodeExecutor implements one node type's business logic.
type NodeExecutor interface {
	Type() string
	Execute(ctx context.Context, input *NodeInput) (*Result, error)
}

// Registry maps node types to executors. Immutable after construction;
// built at startup and passed by reference into the engine.
type Registry struct {
	executors map[string]NodeExecutor
}

// NewRegistry builds a registry from the given executors. A duplicate type
// keeps the last registration.
func NewRegistry(executors ...NodeExecutor) *Registry {
	m := make(map[string]NodeExecutor, len(executors))
	for _, ex := range executors {
		m[ex.Type()] = ex
	}
	return &Registry{executors: m}
}

// Resolve returns the executor for a node type.
func (r *Registry) Resolve(nodeType string) (NodeExecutor, error) {
	if ex, ok := r.executors[nodeType]; ok {
		return ex, nil
	}
	return nil, dsl.NewErrorf(dsl.CodeExecutorMissing,
		"no executor registered for node type %q; available: [%s]",
		nodeType, strings.Join(r.Types(), ", "))
}

// Types returns the registered node types, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
