package schema

import (
	"encoding/json"
	"time"
)

// Workflow is an immutable, versioned workflow definition.
// Registering an existing workflow ID again creates the next version;
// definitions are never mutated in place once a run has pinned them.
type Workflow struct {
	ID        string    `json:"id"`
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	StartStep string    `json:"start_step"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

// StepByID returns the step with the given ID, or nil if absent.
func (w *Workflow) StepByID(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// Step is a single typed unit of work within a workflow.
type Step struct {
	ID     string          `json:"id"`
	Type   StepType        `json:"type"`
	Name   string          `json:"name"`
	Next   string          `json:"next,omitempty"` // empty = terminal
	Config json.RawMessage `json:"config"`
}

// StepType enumerates the closed set of executor kinds.
type StepType string

const (
	StepTypeForm        StepType = "form"
	StepTypeAIGenerate  StepType = "ai_generate"
	StepTypeConditional StepType = "conditional"
	StepTypeAPICall     StepType = "api_call"
	StepTypeApproval    StepType = "approval"
)

// StepTypes lists every known step type. Executor registries must cover
// exactly this set.
var StepTypes = []StepType{
	StepTypeForm,
	StepTypeAIGenerate,
	StepTypeConditional,
	StepTypeAPICall,
	StepTypeApproval,
}

// --- Executor configs ---

// FormConfig configures a form step.
type FormConfig struct {
	Fields []FormField `json:"fields"`
}

// FormField describes one form field and its validation constraints.
type FormField struct {
	Key      string   `json:"key"`
	Type     string   `json:"type"` // text, email, number, textarea, select, checkbox, radio, slider
	Label    string   `json:"label,omitempty"`
	Required bool     `json:"required,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Options  []string `json:"options,omitempty"` // select/radio choices
}

// FormFieldTypes lists the supported form field types.
var FormFieldTypes = []string{"text", "email", "number", "textarea", "select", "checkbox", "radio", "slider"}

// AIGenerateConfig configures a generation step.
type AIGenerateConfig struct {
	TemplateID   string          `json:"template_id"`
	Variables    []string        `json:"variables"`
	OutputSchema json.RawMessage `json:"output_schema"`
}

// ConditionalConfig configures a conditional branching step.
// When is evaluated by the sandboxed expression evaluator; the result
// selects OnTrue or OnFalse as the next step (either may be empty = terminal).
type ConditionalConfig struct {
	When    string `json:"when"`
	OnTrue  string `json:"on_true,omitempty"`
	OnFalse string `json:"on_false,omitempty"`
}

// APICallConfig configures an outbound HTTP call step.
// URL, header values, and the body support ${{...}} interpolation.
type APICallConfig struct {
	URL      string            `json:"url"`
	Method   string            `json:"method"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     json.RawMessage   `json:"body,omitempty"`
	TimeoutS int               `json:"timeout_s,omitempty"`
	Extract  string            `json:"extract,omitempty"` // jq expression applied to the response body
	Retry    *RetryPolicy      `json:"retry,omitempty"`
}

// RetryPolicy bounds executor-local retries for transient failures.
type RetryPolicy struct {
	Max     int    `json:"max"`
	Backoff string `json:"backoff,omitempty"` // none | constant | linear | exponential
	Delay   string `json:"delay,omitempty"`
}

// ApprovalConfig configures a human approval step.
// OnReject, when set, routes rejection to a branch target instead of
// failing the run.
type ApprovalConfig struct {
	Approvers []string `json:"approvers"`
	Message   string   `json:"message,omitempty"`
	OnReject  string   `json:"on_reject,omitempty"`
}
