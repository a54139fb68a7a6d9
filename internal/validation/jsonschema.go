package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomworks/loom/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition shape checks.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://loomworks.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "id": { "type": "string" },
    "name": {
      "type": "string",
      "minLength": 1
    },
    "description": { "type": "string" },
    "version": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "triggers": {
      "type": "array",
      "items": { "$ref": "#/$defs/trigger" }
    },
    "variables": { "type": "object" },
    "createdAt": { "type": "string" },
    "updatedAt": { "type": "string" }
  },
  "$defs": {
    "step": {
      "type": "object",
      "required": ["agent"],
      "properties": {
        "id": { "type": "string" },
        "agent": {
          "type": "string",
          "minLength": 1
        },
        "input": { "type": "object" },
        "dependsOn": {
          "type": "array",
          "items": { "type": "string" }
        },
        "condition": { "type": "string" },
        "onError": {
          "type": "string",
          "enum": ["fail", "skip", "retry"]
        },
        "retryCount": {
          "type": "integer",
          "minimum": 0
        },
        "timeoutMs": {
          "type": "integer",
          "minimum": 1
        }
      }
    },
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["manual", "schedule", "event", "webhook"]
        },
        "config": { "type": "object" }
      }
    }
  }
}`

// SchemaValidator checks workflow definitions against the embedded JSON
// Schema. Safe for concurrent use once constructed.
type SchemaValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewSchemaValidator compiles the workflow schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://loomworks.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://loomworks.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &SchemaValidator{workflowSchema: wfSchema}, nil
}

// ValidateShape checks the definition against the JSON Schema and reports
// each violation as a separate issue.
func (v *SchemaValidator) ValidateShape(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", "nil_definition", "workflow definition is nil")
		return result
	}

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", "serialize", "failed to serialize workflow definition: "+err.Error())
		return result
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		for _, violation := range collectViolations(err) {
			result.AddError(violation.path, "schema", violation.message)
		}
	}
	return result
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

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(err error) []violation {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []violation{{path: "/", message: err.Error()}}
	}
	return collectLeaves(verr)
}

func collectLeaves(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectLeaves(cause)...)
	}
	return out
}
