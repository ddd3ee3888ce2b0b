package expressions

// Scope holds all data visible to interpolation and condition evaluation
// during one execution.
type Scope struct {
	Nodes  map[string]any // node ID -> output (decoded JSON)
	Params map[string]any // merged parameter snapshot values
	Meta   map[string]any // execution metadata (execution_id, variant, etc.)
}

// Data flattens the scope into the map shape the expression engines expect.
func (s *Scope) Data() map[string]any {
	if s == nil {
		return map[string]any{
			"nodes":  map[string]any{},
			"params": map[string]any{},
			"meta":   map[string]any{},
		}
	}
	return map[string]any{
		"nodes":  orEmpty(s.Nodes),
		"params": orEmpty(s.Params),
		"meta":   orEmpty(s.Meta),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
