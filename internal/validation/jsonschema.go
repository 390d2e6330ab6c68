package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stepflow/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for workflow definition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "name", "start_step", "steps"],
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1
    },
    "version": {
      "type": "integer",
      "minimum": 0
    },
    "name": {
      "type": "string",
      "minLength": 1
    },
    "start_step": {
      "type": "string",
      "minLength": 1
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "created_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "type", "config"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "type": {
          "type": "string",
          "enum": ["form", "ai_generate", "conditional", "api_call", "approval"]
        },
        "name": { "type": "string" },
        "next": { "type": "string" },
        "config": { "type": "object" }
      },
      "additionalProperties": false
    }
  }
}`

// SchemaValidator validates workflow definitions and step outputs against
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type SchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache for dynamic output-schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator creates a SchemaValidator with the workflow schema
// pre-compiled.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := newCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://stepflow.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://stepflow.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &SchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a workflow definition structurally.
func (v *SchemaValidator) ValidateDefinition(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toError(err)
	}

	return nil
}

// ValidateOutput validates generated output against a JSON Schema provided
// as raw bytes. The compiled schema is cached for subsequent calls.
func (v *SchemaValidator) ValidateOutput(output any, outputSchema []byte) error {
	if len(outputSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(outputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid output schema").WithCause(err)
	}

	// Round-trip so numbers become json.Number as the library expects.
	doc, err := toJSONValue(output)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize output").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toError(err)
	}

	return nil
}

// CheckSchema compiles a raw JSON Schema without validating anything,
// used at workflow registration to reject bad output schemas early.
func (v *SchemaValidator) CheckSchema(outputSchema []byte) error {
	if len(outputSchema) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "output schema is empty")
	}
	_, err := v.getOrCompile(outputSchema)
	return err
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *SchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("stepflow://output-schema/%d", len(v.cache))

	// Fresh compiler per dynamic schema to avoid resource collision.
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
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

// toError converts a jsonschema.ValidationError into a structured Error
// with one message per leaf violation.
func toError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := CollectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// CollectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations. The generation executor feeds
// these back to the provider as correction hints on retry.
func CollectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, CollectViolations(cause)...)
	}
	return violations
}

// ViolationsOf extracts the violation list from a validation Error, or
// falls back to the error message.
func ViolationsOf(err error) []string {
	e, ok := err.(*schema.Error)
	if !ok {
		return []string{err.Error()}
	}
	if vs, ok := e.Details["violations"].([]string); ok && len(vs) > 0 {
		return vs
	}
	return []string{e.Message}
}
