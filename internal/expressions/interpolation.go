package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/quaystone/tradeflow/pkg/dsl"
)

// Interpolator resolves reference expressions and {{...}} templates against
// a Scope. References are dot/bracket paths rooted in one of three
// namespaces, plus a bare-node shorthand:
//
//	nodes.<id>[.<path>]   output of a completed node
//	params.<key>[.<path>] merged parameter snapshot value
//	meta.<field>          execution metadata
//	<id>[.<path>]         shorthand for nodes.<id> when <id> is a known node
type Interpolator struct{}

// NewInterpolator creates an Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// ResolveRef resolves a single reference path to its value.
func (in *Interpolator) ResolveRef(ref string, scope *Scope) (any, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, dsl.NewError(dsl.CodeBindingUnresolved, "empty reference")
	}
	if scope == nil {
		scope = &Scope{}
	}

	segments, err := parsePath(ref)
	if err != nil {
		return nil, err
	}

	head := segments[0]
	switch head.field {
	case "nodes":
		if len(segments) < 2 || segments[1].field == "" {
			return nil, dsl.NewErrorf(dsl.CodeBindingUnresolved,
				"invalid node reference %q: expected nodes.<id>[.<field>]", ref)
		}
		nodeID := segments[1].field
		output, ok := scope.Nodes[nodeID]
		if !ok {
			return nil, missingNodeErr(ref, nodeID, scope)
		}
		return traverseSegments(output, segments[2:], ref)
	case "params":
		if len(segments) < 2 {
			return nil, dsl.NewErrorf(dsl.CodeBindingUnresolved,
				"invalid parameter reference %q: expected params.<key>", ref)
		}
		return traverseSegments(anyMap(scope.Params), segments[1:], ref)
	case "meta":
		if len(segments) < 2 {
			return nil, dsl.NewErrorf(dsl.CodeBindingUnresolved,
				"invalid meta reference %q: expected meta.<field>", ref)
		}
		return traverseSegments(anyMap(scope.Meta), segments[1:], ref)
	default:
		// Bare-node shorthand.
		if output, ok := scope.Nodes[head.field]; ok {
			return traverseSegments(output, segments[1:], ref)
		}
		available := append([]string{"nodes", "params", "meta"}, mapKeys(scope.Nodes)...)
		return nil, dsl.NewErrorf(dsl.CodeBindingUnresolved,
			"unresolved reference %q; available roots: [%s]", ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"reference": ref, "available": available})
	}
}

// ResolveTemplate resolves a string that may contain {{ref}} tokens. A
// string that is exactly one token returns the referenced value with its
// type preserved; mixed text returns the substituted string. A string with
// no tokens is returned unchanged.
func (in *Interpolator) ResolveTemplate(tpl string, scope *Scope) (any, error) {
	if !strings.Contains(tpl, "{{") {
		return tpl, nil
	}

	// Whole-token form keeps the value's type.
	trimmed := strings.TrimSpace(tpl)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := trimmed[2 : len(trimmed)-2]
		if !strings.Contains(inner, "{{") && !strings.Contains(inner, "}}") {
			return in.ResolveRef(inner, scope)
		}
	}

	var result strings.Builder
	result.Grow(len(tpl))

	i := 0
	for i < len(tpl) {
		idx := strings.Index(tpl[i:], "{{")
		if idx == -1 {
			result.WriteString(tpl[i:])
			break
		}
		result.WriteString(tpl[i : i+idx])
		start := i + idx + 2

		end := strings.Index(tpl[start:], "}}")
		if end == -1 {
			return nil, dsl.NewError(dsl.CodeBindingUnresolved, "unclosed {{ reference")
		}
		end += start

		ref := strings.TrimSpace(tpl[start:end])
		if strings.Contains(ref, "{{") {
			return nil, dsl.NewError(dsl.CodeBindingUnresolved,
				"nested interpolation not allowed: {{...}} cannot contain {{")
		}
		if ref == "" {
			return nil, dsl.NewError(dsl.CodeBindingUnresolved, "empty reference: {{ }}")
		}

		val, err := in.ResolveRef(ref, scope)
		if err != nil {
			return nil, err
		}
		result.WriteString(marshalInline(val))

		i = end + 2
	}

	return result.String(), nil
}

// ResolveBindingValue resolves one inputBindings value: a template when it
// carries {{...}} tokens, otherwise the whole string is one reference.
func (in *Interpolator) ResolveBindingValue(value string, scope *Scope) (any, error) {
	if strings.Contains(value, "{{") {
		return in.ResolveTemplate(value, scope)
	}
	return in.ResolveRef(value, scope)
}

// --- Path parsing and traversal ---

// pathSegment is one step of a reference path: a field name or an array index.
type pathSegment struct {
	field   string
	index   int
	isIndex bool
}

// parsePath splits a dot/bracket path such as a.b[0].c["k"] into segments.
func parsePath(path string) ([]pathSegment, error) {
	var segments []pathSegment
	i := 0
	for i < len(path) {
		switch path[i] {
		case '.':
			if i == 0 || i == len(path)-1 {
				return nil, dsl.NewErrorf(dsl.CodeBindingUnresolved,
					"invalid path %q: empty segment", path)
			}
			i++
		case '[':
			close := strings.IndexByte(path[i:], ']')
			if close == -1 {
				return nil, dsl.NewErrorf(dsl.CodeBindingUnresolved,
					"invalid path %q: unclosed bracket", path)
			}
			inner := path[i+1 : i+close]
			i += close + 1

			if len(inner) >= 2 && (inner[0] == '"' || inner[0] == '\'') && inner[len(inner)-1] == inner[0] {
				segments = append(segments, pathSegment{field: inner[1 : len(inner)-1]})
				continue
			}
			idx, err := strconv.Atoi(inner)
			if err != nil {
				return nil, dsl.NewErrorf(dsl.CodeBindingUnresolved,
					"invalid path %q: bracket segment %q is neither an index nor a quoted key", path, inner)
			}
			segments = append(segments, pathSegment{index: idx, isIndex: true})
		default:
			end := i
			for end < len(path) && path[end] != '.' && path[end] != '[' {
				end++
			}
			segments = append(segments, pathSegment{field: path[i:end]})
			i = end
		}
	}
	if len(segments) == 0 {
		return nil, dsl.NewErrorf(dsl.CodeBindingUnresolved, "invalid path %q: no segments", path)
	}
	return segments, nil
}

// traverseSegments navigates into nested maps and slices.
func traverseSegments(root any, segments []pathSegment, ref string) (any, error) {
	current := root
	for _, seg := range segments {
		if seg.isIndex {
			arr, ok := current.([]any)
			if !ok {
				return nil, dsl.NewErrorf(dsl.CodeBindingUnresolved,
					"cannot index into non-array at [%d] in %q (type: %T)", seg.index, ref, current)
			}
			if seg.index < 0 || seg.index >= len(arr) {
				return nil, dsl.NewErrorf(dsl.CodeBindingUnresolved,
					"index %d out of range (len %d) in %q", seg.index, len(arr), ref)
			}
			current = arr[seg.index]
			continue
		}

		obj, ok := current.(map[string]any)
		if !ok {
			return nil, dsl.NewErrorf(dsl.CodeBindingUnresolved,
				"cannot traverse into non-object at %q in %q (type: %T)", seg.field, ref, current)
		}
		val, ok := obj[seg.field]
		if !ok {
			available := mapKeys(obj)
			return nil, dsl.NewErrorf(dsl.CodeBindingUnresolved,
				"field %q not found in %q; available: [%s]", seg.field, ref, strings.Join(available, ", ")).
				WithDetails(map[string]any{"reference": ref, "available_fields": available})
		}
		current = val
	}
	return current, nil
}

// TraversePath resolves a dot/bracket path into an arbitrary value. Used by
// condition evaluation against a single node output.
func TraversePath(root any, path string) (any, error) {
	segments, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	return traverseSegments(root, segments, path)
}

func missingNodeErr(ref, nodeID string, scope *Scope) *dsl.EngineError {
	available := mapKeys(scope.Nodes)
	return dsl.NewErrorf(dsl.CodeBindingUnresolved,
		"node %q has no output in %q; available nodes: [%s]", nodeID, ref, strings.Join(available, ", ")).
		WithDetails(map[string]any{"reference": ref, "available_nodes": available})
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// marshalInline converts a resolved value into its inline string form for
// mixed-text templates. Strings embed without extra quotes; complex values
// JSON-encode inline.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}
