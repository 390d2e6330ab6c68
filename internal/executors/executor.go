// Package executors implements the closed set of step executors. Executors
// are pure with respect to engine state: they receive a frozen snapshot of
// the run and report an Outcome; persisting that outcome is the engine's
// job. No executor is ever invoked while the run's lock is held.
package executors

import (
	"context"

	"github.com/rendis/stepflow/pkg/schema"
)

// Request is the input to one executor invocation.
type Request struct {
	// Run is a frozen snapshot; mutating it has no effect on engine state.
	Run      *schema.Run
	Workflow *schema.Workflow
	Step     *schema.Step

	// Resume carries the caller-supplied payload when a waiting step is
	// resumed. Nil on first entry into the step.
	Resume map[string]any
}

// OutcomeKind classifies how a step invocation ended.
type OutcomeKind string

const (
	// OutcomeComplete advances the run to the step's next target.
	OutcomeComplete OutcomeKind = "complete"
	// OutcomeWait suspends the run at this step.
	OutcomeWait OutcomeKind = "wait"
	// OutcomeFail terminates the run as failed.
	OutcomeFail OutcomeKind = "fail"
)

// Outcome is the result of one executor invocation.
type Outcome struct {
	Kind OutcomeKind

	// Output is merged into the run context's runtime namespace on
	// Complete. On Fail it is recorded on the execution record as the
	// audit payload, when present.
	Output map[string]any

	// NextOverride, when non-nil, replaces the step's static next target
	// (branching steps). An empty string means the run completes here.
	NextOverride *string

	// Hint is surfaced to the caller while the run waits (form field
	// definitions, validation errors, approval metadata).
	Hint map[string]any

	// Err is set on Fail.
	Err *schema.Error
}

// Executor runs one step type. Implementations must be safe for concurrent
// use; the same executor instance serves every run.
type Executor interface {
	Type() schema.StepType
	Execute(ctx context.Context, req *Request) *Outcome
}

func complete(output map[string]any) *Outcome {
	return &Outcome{Kind: OutcomeComplete, Output: output}
}

func completeAt(output map[string]any, next string) *Outcome {
	return &Outcome{Kind: OutcomeComplete, Output: output, NextOverride: &next}
}

func wait(hint map[string]any) *Outcome {
	return &Outcome{Kind: OutcomeWait, Hint: hint}
}

func fail(err *schema.Error) *Outcome {
	return &Outcome{Kind: OutcomeFail, Err: err}
}
