package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/outflowhq/outflow/pkg/schema"
)

// definitionSchemaJSON is the JSON Schema for WorkflowDefinition documents.
// Embedded as a constant to avoid filesystem dependencies.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://outflow.dev/schemas/definition.json",
  "type": "object",
  "required": ["id", "company_id", "type", "actions"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "company_id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "type": {
      "type": "string",
      "enum": ["lead_nurturing", "review_referral", "content_generation", "custom"]
    },
    "active": { "type": "boolean" },
    "trigger": {
      "type": "object",
      "properties": {
        "entity_type": { "type": "string" },
        "match": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        }
      },
      "additionalProperties": false
    },
    "actions": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/action" }
    },
    "templates": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "config": { "type": "object" },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "action": {
      "type": "object",
      "required": ["name", "channel", "template"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "channel": {
          "type": "string",
          "enum": ["email", "sms", "publish"]
        },
        "template": { "type": "string", "minLength": 1 },
        "delay": {
          "type": "string",
          "pattern": "^([0-9]+(ns|us|µs|ms|s|m|h))+$"
        },
        "condition": { "type": "string" },
        "stop_if_false": { "type": "boolean" },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": {
          "type": "string",
          "pattern": "^([0-9]+(ns|us|µs|ms|s|m|h))+$"
        }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": {
          "type": "integer",
          "minimum": 1
        },
        "backoff": {
          "type": "string",
          "enum": ["none", "linear", "exponential", "constant"]
        },
        "delay": {
          "type": "string",
          "pattern": "^([0-9]+(ns|us|µs|ms|s|m|h))+$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^([0-9]+(ns|us|µs|ms|s|m|h))+$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// SchemaValidator validates WorkflowDefinition documents against the embedded
// JSON Schema (Draft 2020-12). Safe for concurrent use.
type SchemaValidator struct {
	compiled *jsonschema.Schema
}

// NewSchemaValidator pre-compiles the definition schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource("https://outflow.dev/schemas/definition.json", doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}

	compiled, err := c.Compile("https://outflow.dev/schemas/definition.json")
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &SchemaValidator{compiled: compiled}, nil
}

// Validate checks a definition document against the schema.
func (v *SchemaValidator) Validate(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize definition").WithCause(err)
	}

	if err := v.compiled.Validate(doc); err != nil {
		return toValidationError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toValidationError flattens a jsonschema.ValidationError tree into one
// structured error listing every violation with its instance location.
func toValidationError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

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
