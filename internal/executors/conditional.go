package executors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// ConditionalExecutor evaluates the step's condition in the sandboxed
// evaluator and routes the run to the matching branch. Either branch may be
// empty, which completes the run at this step.
type ConditionalExecutor struct {
	evaluator *expressions.Evaluator
}

// NewConditionalExecutor creates a ConditionalExecutor.
func NewConditionalExecutor(evaluator *expressions.Evaluator) *ConditionalExecutor {
	return &ConditionalExecutor{evaluator: evaluator}
}

func (e *ConditionalExecutor) Type() schema.StepType { return schema.StepTypeConditional }

func (e *ConditionalExecutor) Execute(ctx context.Context, req *Request) *Outcome {
	var cfg schema.ConditionalConfig
	if err := json.Unmarshal(req.Step.Config, &cfg); err != nil {
		return fail(schema.NewError(schema.ErrCodeValidation, "decode conditional config").
			WithCause(err).WithStep(req.Step.ID))
	}

	rc := req.Run.Context
	result, err := e.evaluator.EvaluateBool(ctx, cfg.When, map[string]any{
		"static":  rc.Static,
		"profile": rc.Profile,
		"runtime": rc.Runtime,
	})
	if err != nil {
		if sErr, ok := err.(*schema.Error); ok {
			return fail(sErr.WithStep(req.Step.ID))
		}
		return fail(schema.NewError(schema.ErrCodeExpression, err.Error()).
			WithCause(err).WithStep(req.Step.ID))
	}

	next := cfg.OnFalse
	if result {
		next = cfg.OnTrue
	}

	key := fmt.Sprintf("%s_result", req.Step.ID)
	return completeAt(map[string]any{key: result}, next)
}

var _ Executor = (*ConditionalExecutor)(nil)
