package validation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

func newTestValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	evaluator, err := expressions.NewEvaluator()
	require.NoError(t, err)
	wv, err := NewWorkflowValidator(evaluator, expressions.NewExtractor())
	require.NoError(t, err)
	return wv
}

func formStep(id, next string) schema.Step {
	return schema.Step{
		ID:   id,
		Type: schema.StepTypeForm,
		Next: next,
		Config: json.RawMessage(`{
			"fields": [{"key": "email", "type": "email", "required": true}]
		}`),
	}
}

func validWorkflow() *schema.Workflow {
	return &schema.Workflow{
		ID:        "expense-approval",
		Name:      "Expense Approval",
		StartStep: "intake",
		Steps: []schema.Step{
			formStep("intake", "route"),
			{
				ID:   "route",
				Type: schema.StepTypeConditional,
				Config: json.RawMessage(`{
					"when": "runtime.intake.amount > 1000.0",
					"on_true": "manager_approval",
					"on_false": "notify"
				}`),
			},
			{
				ID:   "manager_approval",
				Type: schema.StepTypeApproval,
				Next: "notify",
				Config: json.RawMessage(`{
					"approvers": ["manager@example.com"],
					"message": "Approve this expense?"
				}`),
			},
			{
				ID:   "notify",
				Type: schema.StepTypeAPICall,
				Config: json.RawMessage(`{
					"url": "https://hooks.example.com/notify",
					"method": "POST",
					"body": {"run": "${{run.id}}"},
					"extract": ".status"
				}`),
			},
		},
	}
}

// --- Structural validation ---

func TestValidate_ValidWorkflow(t *testing.T) {
	wv := newTestValidator(t)

	result := wv.Validate(validWorkflow())
	assert.True(t, result.Valid(), "errors: %+v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidate_NilWorkflow(t *testing.T) {
	wv := newTestValidator(t)

	result := wv.Validate(nil)
	assert.False(t, result.Valid())
}

func TestValidate_StructuralErrors(t *testing.T) {
	wv := newTestValidator(t)

	tests := []struct {
		name   string
		mutate func(wf *schema.Workflow)
	}{
		{"missing id", func(wf *schema.Workflow) { wf.ID = "" }},
		{"missing name", func(wf *schema.Workflow) { wf.Name = "" }},
		{"missing start_step", func(wf *schema.Workflow) { wf.StartStep = "" }},
		{"no steps", func(wf *schema.Workflow) { wf.Steps = nil }},
		{"unknown step type", func(wf *schema.Workflow) { wf.Steps[0].Type = "shell" }},
		{"step without id", func(wf *schema.Workflow) { wf.Steps[0].ID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := validWorkflow()
			tt.mutate(wf)
			result := wv.Validate(wf)
			assert.False(t, result.Valid())
		})
	}
}

// --- Semantic validation ---

func TestValidate_DuplicateStepIDs(t *testing.T) {
	wv := newTestValidator(t)

	wf := validWorkflow()
	wf.Steps = append(wf.Steps, formStep("intake", ""))

	result := wv.Validate(wf)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate step id")
}

func TestValidate_UnresolvedTargets(t *testing.T) {
	wv := newTestValidator(t)

	tests := []struct {
		name   string
		mutate func(wf *schema.Workflow)
		want   string
	}{
		{
			"start_step",
			func(wf *schema.Workflow) { wf.StartStep = "ghost" },
			"start_step",
		},
		{
			"next",
			func(wf *schema.Workflow) { wf.Steps[0].Next = "ghost" },
			"next target",
		},
		{
			"on_true",
			func(wf *schema.Workflow) {
				wf.Steps[1].Config = json.RawMessage(`{"when": "true", "on_true": "ghost"}`)
			},
			"on_true target",
		},
		{
			"on_reject",
			func(wf *schema.Workflow) {
				wf.Steps[2].Config = json.RawMessage(`{"approvers": ["a"], "on_reject": "ghost"}`)
			},
			"on_reject target",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := validWorkflow()
			tt.mutate(wf)
			result := wv.Validate(wf)
			require.False(t, result.Valid())
			assert.Contains(t, result.Errors[0].Message, tt.want)
		})
	}
}

func TestValidate_ConfigErrors(t *testing.T) {
	wv := newTestValidator(t)

	tests := []struct {
		name string
		step schema.Step
		want string
	}{
		{
			"unknown config key",
			schema.Step{ID: "s", Type: schema.StepTypeForm,
				Config: json.RawMessage(`{"fields": [{"key": "a", "type": "text"}], "bogus": 1}`)},
			"does not decode",
		},
		{
			"form without fields",
			schema.Step{ID: "s", Type: schema.StepTypeForm, Config: json.RawMessage(`{"fields": []}`)},
			"at least one field",
		},
		{
			"form duplicate field key",
			schema.Step{ID: "s", Type: schema.StepTypeForm,
				Config: json.RawMessage(`{"fields": [{"key": "a", "type": "text"}, {"key": "a", "type": "text"}]}`)},
			"duplicate field key",
		},
		{
			"form unknown field type",
			schema.Step{ID: "s", Type: schema.StepTypeForm,
				Config: json.RawMessage(`{"fields": [{"key": "a", "type": "date"}]}`)},
			"unknown field type",
		},
		{
			"select without options",
			schema.Step{ID: "s", Type: schema.StepTypeForm,
				Config: json.RawMessage(`{"fields": [{"key": "a", "type": "select"}]}`)},
			"require options",
		},
		{
			"min exceeds max",
			schema.Step{ID: "s", Type: schema.StepTypeForm,
				Config: json.RawMessage(`{"fields": [{"key": "a", "type": "number", "min": 10, "max": 5}]}`)},
			"exceeds max",
		},
		{
			"ai_generate without template",
			schema.Step{ID: "s", Type: schema.StepTypeAIGenerate,
				Config: json.RawMessage(`{"output_schema": {"type": "object"}}`)},
			"template_id is required",
		},
		{
			"ai_generate without output schema",
			schema.Step{ID: "s", Type: schema.StepTypeAIGenerate,
				Config: json.RawMessage(`{"template_id": "t"}`)},
			"output_schema is required",
		},
		{
			"conditional with rejected condition",
			schema.Step{ID: "s", Type: schema.StepTypeConditional,
				Config: json.RawMessage(`{"when": "runtime.x.matches(\"^a\")"}`)},
			"condition rejected",
		},
		{
			"api_call without url",
			schema.Step{ID: "s", Type: schema.StepTypeAPICall,
				Config: json.RawMessage(`{"method": "GET"}`)},
			"url is required",
		},
		{
			"api_call bad method",
			schema.Step{ID: "s", Type: schema.StepTypeAPICall,
				Config: json.RawMessage(`{"url": "https://x", "method": "TRACE"}`)},
			"unsupported method",
		},
		{
			"api_call bad backoff",
			schema.Step{ID: "s", Type: schema.StepTypeAPICall,
				Config: json.RawMessage(`{"url": "https://x", "method": "GET", "retry": {"max": 1, "backoff": "fibonacci"}}`)},
			"unknown backoff",
		},
		{
			"api_call bad extract",
			schema.Step{ID: "s", Type: schema.StepTypeAPICall,
				Config: json.RawMessage(`{"url": "https://x", "method": "GET", "extract": ".a |"}`)},
			"extract rejected",
		},
		{
			"approval without approvers",
			schema.Step{ID: "s", Type: schema.StepTypeApproval,
				Config: json.RawMessage(`{"approvers": []}`)},
			"at least one approver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := &schema.Workflow{
				ID:        "wf",
				Name:      "wf",
				StartStep: "s",
				Steps:     []schema.Step{tt.step},
			}
			result := wv.Validate(wf)
			require.False(t, result.Valid(), "expected invalid")
			found := false
			for _, e := range result.Errors {
				if strings.Contains(e.Message, tt.want) {
					found = true
				}
			}
			assert.True(t, found, "no error containing %q in %+v", tt.want, result.Errors)
		})
	}
}

// --- Reachability ---

func TestValidate_UnreachableStepWarning(t *testing.T) {
	wv := newTestValidator(t)

	wf := validWorkflow()
	wf.Steps = append(wf.Steps, formStep("orphan", ""))

	result := wv.Validate(wf)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, `step "orphan" is unreachable`)
}

// --- ValidateDefinition ---

func TestValidateDefinition(t *testing.T) {
	wv := newTestValidator(t)

	assert.NoError(t, wv.ValidateDefinition(validWorkflow()))

	wf := validWorkflow()
	wf.StartStep = "ghost"
	err := wv.ValidateDefinition(wf)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}
