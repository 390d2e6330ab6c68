package executors

import (
	"fmt"
	"net/http"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/provider"
	"github.com/rendis/stepflow/internal/telemetry"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// Registry holds one executor per step type. The set is closed: every
// schema.StepType has an executor and nothing else registers.
type Registry struct {
	executors map[schema.StepType]Executor
}

// Deps carries the shared infrastructure the executors are built on.
type Deps struct {
	Provider     provider.GenerationProvider
	Validator    *validation.SchemaValidator
	Telemetry    telemetry.Sink
	Evaluator    *expressions.Evaluator
	Interpolator *expressions.Interpolator
	Extractor    *expressions.Extractor
	HTTPClient   *http.Client
}

// NewRegistry builds the full executor set.
func NewRegistry(deps Deps) (*Registry, error) {
	set := []Executor{
		NewFormExecutor(),
		NewAIGenerateExecutor(deps.Provider, deps.Validator, deps.Telemetry),
		NewConditionalExecutor(deps.Evaluator),
		NewAPICallExecutor(deps.HTTPClient, deps.Interpolator, deps.Extractor),
		NewApprovalExecutor(),
	}

	executors := make(map[schema.StepType]Executor, len(set))
	for _, e := range set {
		executors[e.Type()] = e
	}
	for _, t := range schema.StepTypes {
		if _, ok := executors[t]; !ok {
			return nil, fmt.Errorf("no executor for step type %q", t)
		}
	}
	return &Registry{executors: executors}, nil
}

// Get returns the executor for a step type.
func (r *Registry) Get(t schema.StepType) (Executor, error) {
	e, ok := r.executors[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", t)
	}
	return e, nil
}
