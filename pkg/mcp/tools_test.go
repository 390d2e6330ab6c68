package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/executors"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/notify"
	"github.com/rendis/stepflow/internal/provider"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/telemetry"
	"github.com/rendis/stepflow/internal/token"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

type noopProvider struct{}

func (p *noopProvider) Name() string { return "noop" }

func (p *noopProvider) Generate(ctx context.Context, req *provider.GenerationRequest) (map[string]any, error) {
	return map[string]any{}, nil
}

func newTestServer(t *testing.T) *StepflowServer {
	t.Helper()

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	evaluator, err := expressions.NewEvaluator()
	require.NoError(t, err)
	extractor := expressions.NewExtractor()
	validator, err := validation.NewWorkflowValidator(evaluator, extractor)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry, err := executors.NewRegistry(executors.Deps{
		Provider:     &noopProvider{},
		Validator:    validator.OutputValidator(),
		Telemetry:    telemetry.NewLogSink(logger),
		Evaluator:    evaluator,
		Interpolator: expressions.NewInterpolator(),
		Extractor:    extractor,
		HTTPClient:   &http.Client{},
	})
	require.NoError(t, err)

	tokens, err := token.NewManager([]byte("mcp-test-secret"), time.Hour)
	require.NoError(t, err)

	eng := engine.New(st, registry, validator, tokens, notify.NewLogNotifier(logger), logger)
	return NewStepflowServer(StepflowServerDeps{Engine: eng, Logger: logger})
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), target))
}

func onboardingDefinition() map[string]any {
	return map[string]any{
		"id":         "onboarding",
		"name":       "Onboarding",
		"start_step": "profile_form",
		"steps": []any{
			map[string]any{
				"id":   "profile_form",
				"type": "form",
				"config": map[string]any{
					"fields": []any{
						map[string]any{"key": "email", "type": "email", "required": true},
					},
				},
			},
		},
	}
}

func registerOnboarding(t *testing.T, s *StepflowServer) {
	t.Helper()
	result, err := s.handleRegister(context.Background(),
		buildRequest("workflow.register", map[string]any{"definition": onboardingDefinition()}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
}

// startedRun holds the parsed run.start response.
type startedRun struct {
	Run struct {
		ID          string           `json:"id"`
		Status      schema.RunStatus `json:"status"`
		CurrentStep string           `json:"current_step"`
	} `json:"run"`
	ResumeToken string         `json:"resume_token"`
	WaitHint    map[string]any `json:"wait_hint"`
}

func startOnboarding(t *testing.T, s *StepflowServer, args map[string]any) *startedRun {
	t.Helper()
	if args == nil {
		args = map[string]any{}
	}
	args["workflow_id"] = "onboarding"
	result, err := s.handleStart(context.Background(), buildRequest("run.start", args))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	parsed := &startedRun{}
	unmarshalResult(t, result, parsed)
	return parsed
}

// --- workflow.register ---

func TestRegisterTool(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleRegister(context.Background(),
		buildRequest("workflow.register", map[string]any{"definition": onboardingDefinition()}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var parsed struct {
		ID      string `json:"id"`
		Version int    `json:"version"`
	}
	unmarshalResult(t, result, &parsed)
	assert.Equal(t, "onboarding", parsed.ID)
	assert.Equal(t, 1, parsed.Version)
}

func TestRegisterTool_MissingDefinition(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleRegister(context.Background(), buildRequest("workflow.register", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRegisterTool_InvalidDefinition(t *testing.T) {
	s := newTestServer(t)

	def := onboardingDefinition()
	def["start_step"] = "ghost"
	result, err := s.handleRegister(context.Background(),
		buildRequest("workflow.register", map[string]any{"definition": def}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "does not resolve")
}

// --- run.start ---

func TestStartTool(t *testing.T) {
	s := newTestServer(t)
	registerOnboarding(t, s)

	run := startOnboarding(t, s, nil)
	assert.Equal(t, schema.RunStatusWaiting, run.Run.Status)
	assert.Equal(t, "profile_form", run.Run.CurrentStep)
	assert.NotEmpty(t, run.ResumeToken)
	assert.Contains(t, run.WaitHint, "fields")
}

func TestStartTool_MissingWorkflowID(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleStart(context.Background(), buildRequest("run.start", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStartTool_InvalidVersion(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleStart(context.Background(), buildRequest("run.start", map[string]any{
		"workflow_id": "onboarding",
		"version":     "two",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- run.resume ---

func TestResumeTool(t *testing.T) {
	s := newTestServer(t)
	registerOnboarding(t, s)
	run := startOnboarding(t, s, nil)

	result, err := s.handleResume(context.Background(), buildRequest("run.resume", map[string]any{
		"resume_token": run.ResumeToken,
		"payload":      map[string]any{"email": "ada@example.com"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	parsed := &startedRun{}
	unmarshalResult(t, result, parsed)
	assert.Equal(t, schema.RunStatusCompleted, parsed.Run.Status)
}

func TestResumeTool_BadToken(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleResume(context.Background(), buildRequest("run.resume", map[string]any{
		"resume_token": "garbage",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- run.status / run.history / run.cancel / run.list ---

func TestStatusTool(t *testing.T) {
	s := newTestServer(t)
	registerOnboarding(t, s)
	run := startOnboarding(t, s, nil)

	result, err := s.handleStatus(context.Background(), buildRequest("run.status", map[string]any{
		"run_id": run.Run.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	parsed := &startedRun{}
	unmarshalResult(t, result, parsed)
	assert.Equal(t, schema.RunStatusWaiting, parsed.Run.Status)
	assert.NotEmpty(t, parsed.ResumeToken)
}

func TestStatusTool_NotFound(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleStatus(context.Background(), buildRequest("run.status", map[string]any{
		"run_id": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHistoryTool(t *testing.T) {
	s := newTestServer(t)
	registerOnboarding(t, s)
	run := startOnboarding(t, s, nil)

	result, err := s.handleHistory(context.Background(), buildRequest("run.history", map[string]any{
		"run_id": run.Run.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var parsed struct {
		RunID string            `json:"run_id"`
		Steps []*schema.RunStep `json:"steps"`
	}
	unmarshalResult(t, result, &parsed)
	assert.Equal(t, run.Run.ID, parsed.RunID)
	require.Len(t, parsed.Steps, 1)
	assert.Equal(t, "profile_form", parsed.Steps[0].StepID)
	assert.Equal(t, schema.RunStepStatusWaiting, parsed.Steps[0].Status)
}

func TestCancelTool(t *testing.T) {
	s := newTestServer(t)
	registerOnboarding(t, s)
	run := startOnboarding(t, s, nil)

	result, err := s.handleCancel(context.Background(), buildRequest("run.cancel", map[string]any{
		"run_id": run.Run.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), string(schema.RunStatusCanceled))
}

func TestListTool(t *testing.T) {
	s := newTestServer(t)
	registerOnboarding(t, s)
	startOnboarding(t, s, nil)
	startOnboarding(t, s, nil)

	t.Run("all runs", func(t *testing.T) {
		result, err := s.handleList(context.Background(), buildRequest("run.list", map[string]any{}))
		require.NoError(t, err)
		require.False(t, result.IsError)

		var parsed struct {
			Runs []*schema.Run `json:"runs"`
		}
		unmarshalResult(t, result, &parsed)
		assert.Len(t, parsed.Runs, 2)
	})

	t.Run("status filter", func(t *testing.T) {
		result, err := s.handleList(context.Background(), buildRequest("run.list", map[string]any{
			"status": "completed",
		}))
		require.NoError(t, err)

		var parsed struct {
			Runs []*schema.Run `json:"runs"`
		}
		unmarshalResult(t, result, &parsed)
		assert.Empty(t, parsed.Runs)
	})

	t.Run("limit", func(t *testing.T) {
		result, err := s.handleList(context.Background(), buildRequest("run.list", map[string]any{
			"limit": "1",
		}))
		require.NoError(t, err)

		var parsed struct {
			Runs []*schema.Run `json:"runs"`
		}
		unmarshalResult(t, result, &parsed)
		assert.Len(t, parsed.Runs, 1)
	})
}
