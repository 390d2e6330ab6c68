package executors

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/provider"
	"github.com/rendis/stepflow/internal/telemetry"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// scriptedProvider returns canned responses in order, recording the requests
// it receives.
type scriptedProvider struct {
	mu       sync.Mutex
	outputs  []map[string]any
	err      error
	requests []*provider.GenerationRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(ctx context.Context, req *provider.GenerationRequest) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	idx := len(p.requests) - 1
	if idx >= len(p.outputs) {
		idx = len(p.outputs) - 1
	}
	return p.outputs[idx], nil
}

// memorySink records generation attempts for assertions.
type memorySink struct {
	mu       sync.Mutex
	attempts []*telemetry.GenerationAttempt
}

func (s *memorySink) RecordGenerationAttempt(ctx context.Context, a *telemetry.GenerationAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
}

var reportSchema = json.RawMessage(`{
	"type": "object",
	"required": ["title"],
	"properties": {"title": {"type": "string", "minLength": 1}},
	"additionalProperties": false
}`)

func generateStep(t *testing.T, cfg schema.AIGenerateConfig) *schema.Step {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return &schema.Step{ID: "draft", Type: schema.StepTypeAIGenerate, Next: "review", Config: raw}
}

func newGenerateExecutor(t *testing.T, p provider.GenerationProvider, sink telemetry.Sink) *AIGenerateExecutor {
	t.Helper()
	v, err := validation.NewSchemaValidator()
	require.NoError(t, err)
	return NewAIGenerateExecutor(p, v, sink)
}

// --- Success paths ---

func TestAIGenerate_FirstAttemptValid(t *testing.T) {
	p := &scriptedProvider{outputs: []map[string]any{{"title": "Q3 Report"}}}
	sink := &memorySink{}
	e := newGenerateExecutor(t, p, sink)

	step := generateStep(t, schema.AIGenerateConfig{
		TemplateID:   "quarterly-report",
		Variables:    []string{"quarter"},
		OutputSchema: reportSchema,
	})
	req := testRequest(step, nil)
	req.Run.Context.Runtime["quarter"] = "Q3"

	out := e.Execute(context.Background(), req)
	require.Equal(t, OutcomeComplete, out.Kind)
	assert.Equal(t, map[string]any{"title": "Q3 Report"}, out.Output["draft_output"])

	require.Len(t, p.requests, 1)
	assert.Equal(t, map[string]any{"quarter": "Q3"}, p.requests[0].Variables)
	assert.Empty(t, p.requests[0].Feedback)

	require.Len(t, sink.attempts, 1)
	assert.True(t, sink.attempts[0].Valid)
	assert.Equal(t, "scripted", sink.attempts[0].Provider)
	assert.Equal(t, "quarterly-report", sink.attempts[0].TemplateID)
	assert.Equal(t, 1, sink.attempts[0].Attempt)
}

func TestAIGenerate_RetryWithFeedback(t *testing.T) {
	p := &scriptedProvider{outputs: []map[string]any{
		{"title": ""},             // violates minLength
		{"title": "Fixed Report"}, // valid
	}}
	sink := &memorySink{}
	e := newGenerateExecutor(t, p, sink)

	step := generateStep(t, schema.AIGenerateConfig{
		TemplateID:   "tpl",
		OutputSchema: reportSchema,
	})

	out := e.Execute(context.Background(), testRequest(step, nil))
	require.Equal(t, OutcomeComplete, out.Kind)

	require.Len(t, p.requests, 2)
	assert.Equal(t, 2, p.requests[1].Attempt)
	assert.NotEmpty(t, p.requests[1].Feedback, "second attempt should carry violations")

	require.Len(t, sink.attempts, 2)
	assert.False(t, sink.attempts[0].Valid)
	assert.True(t, sink.attempts[1].Valid)
}

// --- Failure paths ---

func TestAIGenerate_ExhaustsAttemptBudget(t *testing.T) {
	p := &scriptedProvider{outputs: []map[string]any{{"wrong": true}}}
	sink := &memorySink{}
	e := newGenerateExecutor(t, p, sink)

	step := generateStep(t, schema.AIGenerateConfig{
		TemplateID:   "tpl",
		OutputSchema: reportSchema,
	})

	out := e.Execute(context.Background(), testRequest(step, nil))
	require.Equal(t, OutcomeFail, out.Kind)
	require.NotNil(t, out.Err)
	assert.Equal(t, schema.ErrCodeSchemaExhausted, out.Err.Code)
	assert.NotEmpty(t, out.Err.Details["violations"])

	assert.Len(t, p.requests, maxGenerationAttempts)
	assert.Len(t, sink.attempts, maxGenerationAttempts)
}

func TestAIGenerate_ProviderErrorFailsImmediately(t *testing.T) {
	p := &scriptedProvider{err: errors.New("upstream unavailable")}
	sink := &memorySink{}
	e := newGenerateExecutor(t, p, sink)

	step := generateStep(t, schema.AIGenerateConfig{
		TemplateID:   "tpl",
		OutputSchema: reportSchema,
	})

	out := e.Execute(context.Background(), testRequest(step, nil))
	require.Equal(t, OutcomeFail, out.Kind)
	assert.Equal(t, schema.ErrCodeExternalCall, out.Err.Code)
	assert.Len(t, p.requests, 1, "transport errors are not retried here")
}

func TestAIGenerate_MissingVariableFails(t *testing.T) {
	p := &scriptedProvider{outputs: []map[string]any{{"title": "x"}}}
	e := newGenerateExecutor(t, p, &memorySink{})

	step := generateStep(t, schema.AIGenerateConfig{
		TemplateID:   "tpl",
		Variables:    []string{"absent"},
		OutputSchema: reportSchema,
	})

	out := e.Execute(context.Background(), testRequest(step, nil))
	require.Equal(t, OutcomeFail, out.Kind)
	assert.Equal(t, schema.ErrCodeInterpolation, out.Err.Code)
	assert.Empty(t, p.requests, "provider must not be called with an incomplete request")
}
