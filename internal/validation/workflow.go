package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// WorkflowValidator runs the registration-time validation pipeline:
//  1. Structural (JSON Schema)
//  2. Semantic (unique IDs, target resolution, per-type config checks)
//
// Validation happens once, at registration. Traversal never re-validates.
type WorkflowValidator struct {
	jsonSchema *SchemaValidator
	evaluator  *expressions.Evaluator
	extractor  *expressions.Extractor
}

// NewWorkflowValidator creates a WorkflowValidator. The evaluator and
// extractor are used to compile-check conditions and extract expressions.
func NewWorkflowValidator(evaluator *expressions.Evaluator, extractor *expressions.Extractor) (*WorkflowValidator, error) {
	jsv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		evaluator:  evaluator,
		extractor:  extractor,
	}, nil
}

// OutputValidator exposes the underlying SchemaValidator for step-output
// validation at run time.
func (wv *WorkflowValidator) OutputValidator() *SchemaValidator {
	return wv.jsonSchema
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic checks assume a well-shaped
// definition.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := wv.validateStructural(wf)
	if !result.Valid() {
		return result
	}

	result.Merge(wv.validateSemantic(wf))
	return result
}

// ValidateDefinition runs Validate and converts the result to an error.
func (wv *WorkflowValidator) ValidateDefinition(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

func (wv *WorkflowValidator) validateStructural(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := wv.jsonSchema.ValidateDefinition(wf)
	if err == nil {
		return result
	}

	sErr, ok := err.(*schema.Error)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if sErr.Details != nil {
		if violations, ok := sErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, sErr.Message)
	return result
}

// validateSemantic checks what JSON Schema cannot express: ID uniqueness,
// branch target resolution, per-type config validity, and reachability.
func (wv *WorkflowValidator) validateSemantic(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]struct{}, len(wf.Steps))
	for i, step := range wf.Steps {
		path := fmt.Sprintf("/steps/%d", i)
		if _, exists := ids[step.ID]; exists {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", step.ID))
		}
		ids[step.ID] = struct{}{}
	}

	resolves := func(target string) bool {
		_, ok := ids[target]
		return ok
	}

	if !resolves(wf.StartStep) {
		result.AddError("/start_step", schema.ErrCodeValidation,
			fmt.Sprintf("start_step %q does not resolve to any step", wf.StartStep))
	}

	// edges collects every resolvable branch target for reachability.
	edges := make(map[string][]string, len(wf.Steps))

	for i, step := range wf.Steps {
		path := fmt.Sprintf("/steps/%d", i)

		if step.Next != "" {
			if !resolves(step.Next) {
				result.AddError(path+"/next", schema.ErrCodeValidation,
					fmt.Sprintf("step %q: next target %q does not resolve", step.ID, step.Next))
			} else {
				edges[step.ID] = append(edges[step.ID], step.Next)
			}
		}

		wv.validateStepConfig(&wf.Steps[i], path, resolves, edges, result)
	}

	if result.Valid() && resolves(wf.StartStep) {
		for _, id := range unreachableSteps(wf.StartStep, ids, edges) {
			result.AddWarning("/steps", schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from start_step %q", id, wf.StartStep))
		}
	}

	return result
}

func (wv *WorkflowValidator) validateStepConfig(step *schema.Step, path string, resolves func(string) bool, edges map[string][]string, result *schema.ValidationResult) {
	cfgPath := path + "/config"

	switch step.Type {
	case schema.StepTypeForm:
		var cfg schema.FormConfig
		if !decodeConfig(step, &cfg, cfgPath, result) {
			return
		}
		validateFormConfig(step.ID, &cfg, cfgPath, result)

	case schema.StepTypeAIGenerate:
		var cfg schema.AIGenerateConfig
		if !decodeConfig(step, &cfg, cfgPath, result) {
			return
		}
		if cfg.TemplateID == "" {
			result.AddError(cfgPath+"/template_id", schema.ErrCodeValidation,
				fmt.Sprintf("step %q: template_id is required", step.ID))
		}
		if len(cfg.OutputSchema) == 0 {
			result.AddError(cfgPath+"/output_schema", schema.ErrCodeValidation,
				fmt.Sprintf("step %q: output_schema is required", step.ID))
		} else if err := wv.jsonSchema.CheckSchema(cfg.OutputSchema); err != nil {
			result.AddError(cfgPath+"/output_schema", schema.ErrCodeValidation,
				fmt.Sprintf("step %q: output_schema does not compile: %s", step.ID, err.Error()))
		}

	case schema.StepTypeConditional:
		var cfg schema.ConditionalConfig
		if !decodeConfig(step, &cfg, cfgPath, result) {
			return
		}
		if err := wv.evaluator.Check(cfg.When); err != nil {
			result.AddError(cfgPath+"/when", schema.ErrCodeValidation,
				fmt.Sprintf("step %q: condition rejected: %s", step.ID, err.Error()))
		}
		for field, target := range map[string]string{"on_true": cfg.OnTrue, "on_false": cfg.OnFalse} {
			if target == "" {
				continue // empty branch is terminal
			}
			if !resolves(target) {
				result.AddError(cfgPath+"/"+field, schema.ErrCodeValidation,
					fmt.Sprintf("step %q: %s target %q does not resolve", step.ID, field, target))
			} else {
				edges[step.ID] = append(edges[step.ID], target)
			}
		}

	case schema.StepTypeAPICall:
		var cfg schema.APICallConfig
		if !decodeConfig(step, &cfg, cfgPath, result) {
			return
		}
		validateAPICallConfig(step.ID, &cfg, cfgPath, result)
		if cfg.Extract != "" {
			if err := wv.extractor.CheckExtract(cfg.Extract); err != nil {
				result.AddError(cfgPath+"/extract", schema.ErrCodeValidation,
					fmt.Sprintf("step %q: extract rejected: %s", step.ID, err.Error()))
			}
		}

	case schema.StepTypeApproval:
		var cfg schema.ApprovalConfig
		if !decodeConfig(step, &cfg, cfgPath, result) {
			return
		}
		if len(cfg.Approvers) == 0 {
			result.AddError(cfgPath+"/approvers", schema.ErrCodeValidation,
				fmt.Sprintf("step %q: at least one approver is required", step.ID))
		}
		if cfg.OnReject != "" {
			if !resolves(cfg.OnReject) {
				result.AddError(cfgPath+"/on_reject", schema.ErrCodeValidation,
					fmt.Sprintf("step %q: on_reject target %q does not resolve", step.ID, cfg.OnReject))
			} else {
				edges[step.ID] = append(edges[step.ID], cfg.OnReject)
			}
		}

	default:
		// The structural stage enumerates the type; unreachable in practice.
		result.AddError(path+"/type", schema.ErrCodeValidation,
			fmt.Sprintf("step %q: unknown type %q", step.ID, step.Type))
	}
}

func validateFormConfig(stepID string, cfg *schema.FormConfig, cfgPath string, result *schema.ValidationResult) {
	if len(cfg.Fields) == 0 {
		result.AddError(cfgPath+"/fields", schema.ErrCodeValidation,
			fmt.Sprintf("step %q: at least one field is required", stepID))
		return
	}

	keys := make(map[string]struct{}, len(cfg.Fields))
	for i, f := range cfg.Fields {
		fPath := fmt.Sprintf("%s/fields/%d", cfgPath, i)
		if f.Key == "" {
			result.AddError(fPath+"/key", schema.ErrCodeValidation,
				fmt.Sprintf("step %q: field %d has no key", stepID, i))
			continue
		}
		if _, dup := keys[f.Key]; dup {
			result.AddError(fPath+"/key", schema.ErrCodeValidation,
				fmt.Sprintf("step %q: duplicate field key %q", stepID, f.Key))
		}
		keys[f.Key] = struct{}{}

		if !isFormFieldType(f.Type) {
			result.AddError(fPath+"/type", schema.ErrCodeValidation,
				fmt.Sprintf("step %q, field %q: unknown field type %q (available: %s)",
					stepID, f.Key, f.Type, strings.Join(schema.FormFieldTypes, ", ")))
		}
		if (f.Type == "select" || f.Type == "radio") && len(f.Options) == 0 {
			result.AddError(fPath+"/options", schema.ErrCodeValidation,
				fmt.Sprintf("step %q, field %q: %s fields require options", stepID, f.Key, f.Type))
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			result.AddError(fPath, schema.ErrCodeValidation,
				fmt.Sprintf("step %q, field %q: min %v exceeds max %v", stepID, f.Key, *f.Min, *f.Max))
		}
	}
}

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true, "HEAD": true,
}

func validateAPICallConfig(stepID string, cfg *schema.APICallConfig, cfgPath string, result *schema.ValidationResult) {
	if cfg.URL == "" {
		result.AddError(cfgPath+"/url", schema.ErrCodeValidation,
			fmt.Sprintf("step %q: url is required", stepID))
	}
	if !allowedMethods[strings.ToUpper(cfg.Method)] {
		result.AddError(cfgPath+"/method", schema.ErrCodeValidation,
			fmt.Sprintf("step %q: unsupported method %q", stepID, cfg.Method))
	}
	if cfg.TimeoutS < 0 {
		result.AddError(cfgPath+"/timeout_s", schema.ErrCodeValidation,
			fmt.Sprintf("step %q: timeout_s must be non-negative", stepID))
	}
	if cfg.Retry != nil {
		if cfg.Retry.Max < 0 {
			result.AddError(cfgPath+"/retry/max", schema.ErrCodeValidation,
				fmt.Sprintf("step %q: retry.max must be non-negative", stepID))
		}
		switch cfg.Retry.Backoff {
		case "", "none", "constant", "linear", "exponential":
		default:
			result.AddError(cfgPath+"/retry/backoff", schema.ErrCodeValidation,
				fmt.Sprintf("step %q: unknown backoff strategy %q", stepID, cfg.Retry.Backoff))
		}
	}
}

func decodeConfig(step *schema.Step, dst any, cfgPath string, result *schema.ValidationResult) bool {
	dec := json.NewDecoder(strings.NewReader(string(step.Config)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		result.AddError(cfgPath, schema.ErrCodeValidation,
			fmt.Sprintf("step %q: config does not decode as %s: %s", step.ID, step.Type, err.Error()))
		return false
	}
	return true
}

func isFormFieldType(t string) bool {
	for _, ft := range schema.FormFieldTypes {
		if t == ft {
			return true
		}
	}
	return false
}

// unreachableSteps walks the branch edges from start and returns the sorted
// IDs of steps no path reaches.
func unreachableSteps(start string, ids map[string]struct{}, edges map[string][]string) []string {
	visited := make(map[string]bool, len(ids))
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		stack = append(stack, edges[id]...)
	}

	var out []string
	for id := range ids {
		if !visited[id] {
			out = append(out, id)
		}
	}
	// Stable order for deterministic warnings.
	for i := 1; i < len(out); i++ {
		key := out[i]
		j := i - 1
		for j >= 0 && out[j] > key {
			out[j+1] = out[j]
			j--
		}
		out[j+1] = key
	}
	return out
}
