package schema

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCanceled
}

// Run is one execution instance of a workflow, pinned to a workflow
// id+version snapshot at creation time.
type Run struct {
	ID              string     `json:"id"`
	WorkflowID      string     `json:"workflow_id"`
	WorkflowVersion int        `json:"workflow_version"`
	Status          RunStatus  `json:"status"`
	CurrentStep     string     `json:"current_step,omitempty"` // empty once terminal
	Context         *Context   `json:"context"`
	IdempotencyKey  string     `json:"idempotency_key,omitempty"`
	InputHash       string     `json:"input_hash,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// RunStepStatus is the recorded outcome of one step execution attempt.
type RunStepStatus string

const (
	RunStepStatusWaiting   RunStepStatus = "waiting"
	RunStepStatusCompleted RunStepStatus = "completed"
	RunStepStatusFailed    RunStepStatus = "failed"
)

// RunStep is an append-only execution record. Once written it is never
// mutated; corrections are new records.
type RunStep struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"` // per-run sequence, assigned by the store
	StepID    string          `json:"step_id"`
	Type      StepType        `json:"type"`
	Status    RunStepStatus   `json:"status"`
	Attempt   int             `json:"attempt"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
}

// Context is the data available to steps, split across three namespaces.
// Static and profile are read-only for the duration of a run; runtime
// accumulates step outputs.
type Context struct {
	Static  map[string]any `json:"static"`
	Profile map[string]any `json:"profile"`
	Runtime map[string]any `json:"runtime"`
}

// NewContext creates a Context seeded with the given runtime inputs.
func NewContext(inputs map[string]any) *Context {
	runtime := make(map[string]any, len(inputs))
	for k, v := range inputs {
		runtime[k] = v
	}
	return &Context{
		Static:  map[string]any{},
		Profile: map[string]any{},
		Runtime: runtime,
	}
}

// Merged flattens the three namespaces into one map for expression
// evaluation. Priority: runtime > profile > static.
func (c *Context) Merged() map[string]any {
	merged := make(map[string]any, len(c.Static)+len(c.Profile)+len(c.Runtime))
	for k, v := range c.Static {
		merged[k] = v
	}
	for k, v := range c.Profile {
		merged[k] = v
	}
	for k, v := range c.Runtime {
		merged[k] = v
	}
	return merged
}

// Clone returns a deep copy via JSON round-trip, used to hand executors a
// frozen snapshot that cannot alias engine state.
func (c *Context) Clone() *Context {
	b, err := json.Marshal(c)
	if err != nil {
		return NewContext(nil)
	}
	out := &Context{}
	if err := json.Unmarshal(b, out); err != nil {
		return NewContext(nil)
	}
	if out.Static == nil {
		out.Static = map[string]any{}
	}
	if out.Profile == nil {
		out.Profile = map[string]any{}
	}
	if out.Runtime == nil {
		out.Runtime = map[string]any{}
	}
	return out
}

// ApprovalDecision is the input consumed by a suspended approval step.
type ApprovalDecision struct {
	Approved bool   `json:"approved"`
	Approver string `json:"approver"`
	Comment  string `json:"comment,omitempty"`
}
