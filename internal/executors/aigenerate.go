package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/stepflow/internal/provider"
	"github.com/rendis/stepflow/internal/telemetry"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// maxGenerationAttempts bounds provider calls per step execution: the
// initial attempt plus two schema-violation retries.
const maxGenerationAttempts = 3

// AIGenerateExecutor calls the generation provider and validates its output
// against the step's JSON Schema. Violations are fed back to the provider
// verbatim on retry; exhausting the attempt budget fails the run.
type AIGenerateExecutor struct {
	provider  provider.GenerationProvider
	validator *validation.SchemaValidator
	sink      telemetry.Sink
}

// NewAIGenerateExecutor creates an AIGenerateExecutor.
func NewAIGenerateExecutor(p provider.GenerationProvider, v *validation.SchemaValidator, sink telemetry.Sink) *AIGenerateExecutor {
	return &AIGenerateExecutor{provider: p, validator: v, sink: sink}
}

func (e *AIGenerateExecutor) Type() schema.StepType { return schema.StepTypeAIGenerate }

func (e *AIGenerateExecutor) Execute(ctx context.Context, req *Request) *Outcome {
	var cfg schema.AIGenerateConfig
	if err := json.Unmarshal(req.Step.Config, &cfg); err != nil {
		return fail(schema.NewError(schema.ErrCodeValidation, "decode ai_generate config").
			WithCause(err).WithStep(req.Step.ID))
	}

	variables, err := resolveVariables(cfg.Variables, req.Run.Context)
	if err != nil {
		return fail(err.WithStep(req.Step.ID))
	}

	var feedback []string
	for attempt := 1; attempt <= maxGenerationAttempts; attempt++ {
		start := time.Now()
		output, genErr := e.provider.Generate(ctx, &provider.GenerationRequest{
			TemplateID: cfg.TemplateID,
			Variables:  variables,
			Schema:     cfg.OutputSchema,
			Feedback:   feedback,
			Attempt:    attempt,
		})
		duration := time.Since(start)

		if genErr != nil {
			e.record(ctx, req, &cfg, attempt, false, nil, duration, genErr)
			return fail(schema.NewErrorf(schema.ErrCodeExternalCall,
				"generation provider failed on attempt %d: %s", attempt, genErr.Error()).
				WithCause(genErr).WithStep(req.Step.ID))
		}

		valErr := e.validator.ValidateOutput(output, cfg.OutputSchema)
		if valErr == nil {
			e.record(ctx, req, &cfg, attempt, true, nil, duration, nil)
			key := fmt.Sprintf("%s_output", req.Step.ID)
			return complete(map[string]any{key: output})
		}

		feedback = validation.ViolationsOf(valErr)
		e.record(ctx, req, &cfg, attempt, false, feedback, duration, nil)
	}

	return fail(schema.NewErrorf(schema.ErrCodeSchemaExhausted,
		"output failed schema validation after %d attempts", maxGenerationAttempts).
		WithStep(req.Step.ID).
		WithDetails(map[string]any{"violations": feedback, "attempts": maxGenerationAttempts}))
}

func (e *AIGenerateExecutor) record(ctx context.Context, req *Request, cfg *schema.AIGenerateConfig, attempt int, valid bool, violations []string, duration time.Duration, err error) {
	a := &telemetry.GenerationAttempt{
		RunID:      req.Run.ID,
		StepID:     req.Step.ID,
		Provider:   e.provider.Name(),
		TemplateID: cfg.TemplateID,
		Attempt:    attempt,
		Valid:      valid,
		Violations: violations,
		Duration:   duration,
	}
	if err != nil {
		a.Err = err.Error()
	}
	e.sink.RecordGenerationAttempt(ctx, a)
}

// resolveVariables looks up each named variable in the merged run context.
// A missing variable fails the step rather than sending the provider an
// incomplete request.
func resolveVariables(names []string, rc *schema.Context) (map[string]any, *schema.Error) {
	merged := rc.Merged()
	out := make(map[string]any, len(names))
	for _, name := range names {
		v, ok := merged[name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"variable %q not present in run context", name).
				WithDetails(map[string]any{"variable": name})
		}
		out[name] = v
	}
	return out, nil
}

var _ Executor = (*AIGenerateExecutor)(nil)
