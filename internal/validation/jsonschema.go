package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/autoflow/pkg/schema"
)

const workflowSchemaURL = "https://autoflow.dev/schemas/workflow.json"

// workflowSchemaJSON describes the structure of a workflow definition. Per-kind
// step config rules live with the executors.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://autoflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "trigger", "steps"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string", "minLength": 1, "maxLength": 200},
    "description": {"type": "string"},
    "trigger": {"$ref": "#/$defs/trigger"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/step"}
    },
    "enabled": {"type": "boolean"},
    "createdBy": {"type": "string"},
    "createdAt": {"type": "string"},
    "updatedAt": {"type": "string"},
    "lastRun": {"type": "string"},
    "runCount": {"type": "integer", "minimum": 0},
    "errorCount": {"type": "integer", "minimum": 0},
    "metadata": {"type": "object"}
  },
  "additionalProperties": false,
  "$defs": {
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["manual", "schedule", "webhook", "file_change", "task_status",
                   "email", "api_call", "chat_command", "voice_command"]
        },
        "cron": {"type": "string"},
        "webhookId": {"type": "string", "pattern": "^[A-Za-z0-9_.-]*$"},
        "filter": {"type": "string"}
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "config": {"type": ["object", "null"]},
        "continueOnError": {"type": "boolean"}
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks workflow structure with JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{workflowSchema: compiled}, nil
}

// Check validates wf and reports each violation at its instance location.
func (v *JSONSchemaValidator) Check(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if wf == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return result
	}
	doc, err := toJSONValue(wf)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "failed to serialize workflow: "+err.Error())
		return result
	}
	err = v.workflowSchema.Validate(doc)
	if err == nil {
		return result
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	for _, violation := range collectViolations(verr) {
		result.AddError(violation.path, codeForPath(violation.path), violation.message)
	}
	return result
}

type violation struct {
	path    string
	message string
}

// collectViolations flattens a ValidationError tree into its leaves.
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		path := "/" + strings.Join(verr.InstanceLocation, "/")
		return []violation{{path: path, message: fmt.Sprintf("%s: %s", path, verr.Error())}}
	}
	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

func codeForPath(path string) string {
	switch {
	case strings.HasPrefix(path, "/steps"):
		return schema.ErrCodeInvalidStepDefinition
	case strings.HasPrefix(path, "/trigger"):
		return schema.ErrCodeInvalidTrigger
	default:
		return schema.ErrCodeValidation
	}
}

// toJSONValue round-trips v through encoding/json so numbers become
// json.Number, which the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
