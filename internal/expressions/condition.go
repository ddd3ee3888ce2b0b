package expressions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/quaystone/tradeflow/pkg/dsl"
)

// Comparison operators accepted by condition edges.
const (
	OpEq        = "=="
	OpNeq       = "!="
	OpGt        = ">"
	OpGte       = ">="
	OpLt        = "<"
	OpLte       = "<="
	OpIn        = "in"
	OpNotIn     = "not_in"
	OpExists    = "exists"
	OpNotExists = "not_exists"
)

// ConditionEvaluator decides whether a condition-edge is active. It handles
// the object form {field, operator, value} read against the source node's
// output, templated single binary comparisons ("{{a.b}} >= 10"), and
// "cel:"/"expr:" prefixed expressions evaluated over the full scope.
type ConditionEvaluator struct {
	interp *Interpolator
	cel    *CELEngine
	expr   *ExprEngine
}

// NewConditionEvaluator wires an evaluator over the given engines. Either
// engine may be nil; conditions requiring it then fail with a clear error.
func NewConditionEvaluator(interp *Interpolator, cel *CELEngine, exprEng *ExprEngine) *ConditionEvaluator {
	if interp == nil {
		interp = NewInterpolator()
	}
	return &ConditionEvaluator{interp: interp, cel: cel, expr: exprEng}
}

// Evaluate returns whether the condition holds. sourceOutput is the decoded
// output of the edge's source node; scope carries all node outputs, params
// and meta for prefixed references and cel:/expr: forms.
func (ce *ConditionEvaluator) Evaluate(ctx context.Context, cond *dsl.Condition, sourceOutput any, scope *Scope) (bool, error) {
	if cond == nil {
		return true, nil
	}
	if cond.IsExpr() {
		return ce.evaluateString(ctx, cond.Expr, sourceOutput, scope)
	}
	return ce.evaluateObject(cond, sourceOutput)
}

// evaluateObject handles the {field, operator, value} form.
func (ce *ConditionEvaluator) evaluateObject(cond *dsl.Condition, sourceOutput any) (bool, error) {
	op := strings.TrimSpace(cond.Operator)
	if op == "" {
		return false, dsl.NewError(dsl.CodeConditionInvalid, "condition object missing operator")
	}
	if cond.Field == "" {
		return false, dsl.NewError(dsl.CodeConditionInvalid, "condition object missing field")
	}

	val, err := TraversePath(sourceOutput, cond.Field)
	switch op {
	case OpExists:
		return err == nil, nil
	case OpNotExists:
		return err != nil, nil
	}
	if err != nil {
		// A missing field fails the comparison rather than the execution.
		if isUnresolved(err) {
			return false, nil
		}
		return false, err
	}

	return compare(val, op, cond.Value)
}

// evaluateString handles cel:, expr: and bare template forms.
func (ce *ConditionEvaluator) evaluateString(ctx context.Context, raw string, sourceOutput any, scope *Scope) (bool, error) {
	s := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(s, "cel:"):
		if ce.cel == nil {
			return false, dsl.NewError(dsl.CodeConditionInvalid, "cel engine not configured")
		}
		out, err := ce.cel.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(s, "cel:")), scope.Data())
		if err != nil {
			return false, err
		}
		return truthy(out), nil
	case strings.HasPrefix(s, "expr:"):
		if ce.expr == nil {
			return false, dsl.NewError(dsl.CodeConditionInvalid, "expr engine not configured")
		}
		out, err := ce.expr.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(s, "expr:")), scope.Data())
		if err != nil {
			return false, err
		}
		return truthy(out), nil
	default:
		return ce.evaluateTemplate(s, sourceOutput, scope)
	}
}

// evaluateTemplate handles a single binary comparison such as
// "{{score}} >= 10" or "{{params.region}} == EU". Exactly one operator is
// allowed; chained comparisons are rejected.
func (ce *ConditionEvaluator) evaluateTemplate(s string, sourceOutput any, scope *Scope) (bool, error) {
	lhs, op, rhs, err := splitComparison(s)
	if err != nil {
		return false, err
	}

	lval, lerr := ce.resolveTerm(lhs, sourceOutput, scope)
	switch op {
	case OpExists:
		return lerr == nil, nil
	case OpNotExists:
		return lerr != nil, nil
	}
	if lerr != nil {
		if isUnresolved(lerr) {
			return false, nil
		}
		return false, lerr
	}

	rval, rerr := ce.resolveTerm(rhs, sourceOutput, scope)
	if rerr != nil {
		if isUnresolved(rerr) {
			return false, nil
		}
		return false, rerr
	}

	return compare(lval, op, rval)
}

// resolveTerm resolves one side of a comparison: a {{ref}} template, or a
// literal (JSON-decodable scalar, else a bare string).
func (ce *ConditionEvaluator) resolveTerm(term string, sourceOutput any, scope *Scope) (any, error) {
	term = strings.TrimSpace(term)
	if strings.Contains(term, "{{") {
		return ce.interp.ResolveTemplate(term, conditionScope(sourceOutput, scope))
	}

	var v any
	if err := json.Unmarshal([]byte(term), &v); err == nil {
		return v, nil
	}
	return term, nil
}

// conditionScope exposes the source output's top-level fields as bare-name
// roots so "{{score}}" reads the source output directly, while params/meta
// and explicit nodes.* references keep working.
func conditionScope(sourceOutput any, scope *Scope) *Scope {
	merged := &Scope{}
	if scope != nil {
		merged.Params = scope.Params
		merged.Meta = scope.Meta
		merged.Nodes = make(map[string]any, len(scope.Nodes))
		for k, v := range scope.Nodes {
			merged.Nodes[k] = v
		}
	} else {
		merged.Nodes = map[string]any{}
	}
	if obj, ok := sourceOutput.(map[string]any); ok {
		for k, v := range obj {
			if _, taken := merged.Nodes[k]; !taken {
				merged.Nodes[k] = v
			}
		}
	}
	return merged
}

// splitComparison finds the single operator in a template comparison,
// masking {{...}} regions so reference contents never match.
func splitComparison(s string) (lhs, op, rhs string, err error) {
	masked := maskReferences(s)

	// Word operators first so "not_in" is never read as "in", then symbol
	// operators longest-first so ">=" is never read as ">".
	wordOps := []string{OpNotExists, OpNotIn, OpExists, OpIn}
	for _, candidate := range wordOps {
		if idx := indexWord(masked, candidate); idx != -1 {
			return s[:idx], candidate, s[idx+len(candidate):], nil
		}
	}
	symbolOps := []string{OpEq, OpNeq, OpGte, OpLte, OpGt, OpLt}
	for _, candidate := range symbolOps {
		if idx := strings.Index(masked, candidate); idx != -1 {
			rest := s[idx+len(candidate):]
			if strings.Contains(maskReferences(rest), candidate) {
				return "", "", "", dsl.NewErrorf(dsl.CodeConditionInvalid,
					"condition %q has multiple %q operators; only one binary comparison is supported", s, candidate)
			}
			return s[:idx], candidate, rest, nil
		}
	}

	return "", "", "", dsl.NewErrorf(dsl.CodeConditionInvalid,
		"condition %q has no recognized operator (==, !=, >, >=, <, <=, in, not_in, exists, not_exists)", s)
}

// maskReferences blanks out {{...}} regions with spaces, preserving indexes.
func maskReferences(s string) string {
	b := []byte(s)
	i := 0
	for i < len(b) {
		start := strings.Index(string(b[i:]), "{{")
		if start == -1 {
			break
		}
		start += i
		end := strings.Index(string(b[start:]), "}}")
		if end == -1 {
			break
		}
		end += start + 2
		for j := start; j < end; j++ {
			b[j] = ' '
		}
		i = end
	}
	return string(b)
}

// indexWord finds a whitespace-delimited word in s, or -1.
func indexWord(s, word string) int {
	offset := 0
	for {
		idx := strings.Index(s[offset:], word)
		if idx == -1 {
			return -1
		}
		idx += offset
		beforeOK := idx == 0 || s[idx-1] == ' ' || s[idx-1] == '\t'
		afterIdx := idx + len(word)
		afterOK := afterIdx == len(s) || s[afterIdx] == ' ' || s[afterIdx] == '\t'
		if beforeOK && afterOK {
			return idx
		}
		offset = idx + len(word)
	}
}

// compare applies one binary operator to resolved values.
func compare(lhs any, op string, rhs any) (bool, error) {
	switch op {
	case OpEq:
		return looseEqual(lhs, rhs), nil
	case OpNeq:
		return !looseEqual(lhs, rhs), nil
	case OpGt, OpGte, OpLt, OpLte:
		return compareOrdered(lhs, op, rhs)
	case OpIn:
		return memberOf(lhs, rhs)
	case OpNotIn:
		ok, err := memberOf(lhs, rhs)
		return !ok, err
	default:
		return false, dsl.NewErrorf(dsl.CodeConditionInvalid, "unknown operator %q", op)
	}
}

func compareOrdered(lhs any, op string, rhs any) (bool, error) {
	lf, lok := asFloat(lhs)
	rf, rok := asFloat(rhs)
	if lok && rok {
		switch op {
		case OpGt:
			return lf > rf, nil
		case OpGte:
			return lf >= rf, nil
		case OpLt:
			return lf < rf, nil
		case OpLte:
			return lf <= rf, nil
		}
	}

	ls, lok2 := lhs.(string)
	rs, rok2 := rhs.(string)
	if lok2 && rok2 {
		switch op {
		case OpGt:
			return ls > rs, nil
		case OpGte:
			return ls >= rs, nil
		case OpLt:
			return ls < rs, nil
		case OpLte:
			return ls <= rs, nil
		}
	}

	return false, dsl.NewErrorf(dsl.CodeConditionInvalid,
		"operator %q requires two numbers or two strings (got %T and %T)", op, lhs, rhs)
}

// memberOf reports whether lhs is contained in rhs: array membership, map
// key presence, or substring for two strings.
func memberOf(lhs, rhs any) (bool, error) {
	switch coll := rhs.(type) {
	case []any:
		for _, item := range coll {
			if looseEqual(lhs, item) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := lhs.(string)
		if !ok {
			return false, nil
		}
		_, present := coll[key]
		return present, nil
	case string:
		needle, ok := lhs.(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(coll, needle), nil
	default:
		return false, dsl.NewErrorf(dsl.CodeConditionInvalid,
			"operator in/not_in requires an array, object or string on the right (got %T)", rhs)
	}
}

// looseEqual compares values with numeric coercion, so 2 == 2.0 and
// "2" == 2 both hold across JSON decodings.
func looseEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return as == bs
		}
	}
	return reflect.DeepEqual(a, b)
}

// asFloat coerces numbers and numeric strings to float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err == nil && strings.TrimSpace(n) != "" {
			return f, true
		}
	}
	return 0, false
}

// truthy converts an engine result to a boolean verdict.
func truthy(v any) bool {
	switch out := v.(type) {
	case bool:
		return out
	case nil:
		return false
	case string:
		return out != "" && out != "false"
	case float64:
		return out != 0
	case int:
		return out != 0
	case int64:
		return out != 0
	default:
		return true
	}
}

// isUnresolved reports whether err is a missing-reference error, which
// condition evaluation treats as false rather than a failure.
func isUnresolved(err error) bool {
	var ee *dsl.EngineError
	if errors.As(err, &ee) {
		return ee.Code == dsl.CodeBindingUnresolved
	}
	return false
}
