// Package validation checks a workflow DSL before execution: structural
// validation via JSON Schema plus the semantic checks the schema cannot
// express. Structural errors reject the trigger before any execution record
// is created.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/quaystone/tradeflow/pkg/dsl"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDsl validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://tradeflow.dev/schemas/workflow-dsl.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "mode": {
      "type": "string",
      "enum": ["LINEAR", "DAG", "DEBATE"]
    },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "runPolicy": {
      "type": "object",
      "properties": {
        "nodeDefaults": { "type": "object" }
      },
      "additionalProperties": false
    },
    "agentBindings": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "paramSetBindings": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "dataConnectorBindings": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "enabled": { "type": "boolean" },
        "config": { "type": "object" },
        "runtimePolicy": { "type": "object" },
        "inputBindings": {
          "type": "object",
          "additionalProperties": { "type": "string", "minLength": 1 }
        }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "id": { "type": "string" },
        "from": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 },
        "edgeType": {
          "type": "string",
          "enum": ["data-edge", "control-edge", "condition-edge", "error-edge"]
        },
        "condition": {
          "oneOf": [
            { "type": "string", "minLength": 1 },
            {
              "type": "object",
              "required": ["field", "operator"],
              "properties": {
                "field": { "type": "string", "minLength": 1 },
                "operator": {
                  "type": "string",
                  "enum": ["==", "!=", ">", ">=", "<", "<=", "in", "not_in", "exists", "not_exists"]
                },
                "value": {}
              },
              "additionalProperties": false
            }
          ]
        },
        "transform": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// Validator checks WorkflowDsl documents. Safe for concurrent use.
type Validator struct {
	workflowSchema *jsonschema.Schema
}

// NewValidator creates a Validator with the DSL schema pre-compiled.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://tradeflow.dev/schemas/workflow-dsl.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	compiled, err := c.Compile("https://tradeflow.dev/schemas/workflow-dsl.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &Validator{workflowSchema: compiled}, nil
}

// Validate runs structural then semantic validation.
func (v *Validator) Validate(doc *dsl.WorkflowDsl) error {
	if doc == nil {
		return dsl.NewError(dsl.CodeDslInvalid, "workflow dsl is nil")
	}

	jsonDoc, err := toJSONValue(doc)
	if err != nil {
		return dsl.NewError(dsl.CodeDslInvalid, "failed to serialize workflow dsl").WithCause(err)
	}
	if err := v.workflowSchema.Validate(jsonDoc); err != nil {
		return toEngineError(err)
	}

	return validateSemantics(doc)
}

// toJSONValue round-trips a Go value through JSON encoding so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// with per-location violation messages.
func toEngineError(err error) *dsl.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return dsl.NewError(dsl.CodeDslInvalid, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return dsl.NewError(dsl.CodeDslInvalid, verr.Error())
	}
	if len(violations) == 1 {
		return dsl.NewError(dsl.CodeDslInvalid, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return dsl.NewErrorf(dsl.CodeDslInvalid, "dsl validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
