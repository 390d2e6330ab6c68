package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

func apiCallStep(t *testing.T, cfg schema.APICallConfig) *schema.Step {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return &schema.Step{ID: "notify", Type: schema.StepTypeAPICall, Next: "done", Config: raw}
}

func newAPICallExecutor() *APICallExecutor {
	return NewAPICallExecutor(&http.Client{}, expressions.NewInterpolator(), expressions.NewExtractor())
}

// fastRetry keeps retry tests quick.
var fastRetry = &schema.RetryPolicy{Max: 2, Backoff: "constant", Delay: "1ms"}

// --- Success ---

func TestAPICall_Success(t *testing.T) {
	var gotBody []byte
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Get("X-Tenant")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status": "queued", "ticket": {"id": "T-42"}}`)
	}))
	defer srv.Close()

	e := newAPICallExecutor()
	step := apiCallStep(t, schema.APICallConfig{
		URL:     srv.URL + "/tickets",
		Method:  "POST",
		Headers: map[string]string{"X-Tenant": "${{profile.tenant}}"},
		Body:    json.RawMessage(`{"run": "${{run.id}}", "amount": ${{runtime.amount}}}`),
	})
	req := testRequest(step, nil)
	req.Run.Context.Profile["tenant"] = "acme"
	req.Run.Context.Runtime["amount"] = 42.0

	out := e.Execute(context.Background(), req)
	require.Equal(t, OutcomeComplete, out.Kind)

	assert.Equal(t, "acme", gotHeader)
	assert.JSONEq(t, `{"run": "run-1", "amount": 42}`, string(gotBody))

	resp, ok := out.Output["notify_response"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, resp["status_code"])
	body, ok := resp["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "queued", body["status"])
	assert.NotNil(t, resp["duration_ms"])
}

func TestAPICall_Extract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ticket": {"id": "T-42"}}`)
	}))
	defer srv.Close()

	e := newAPICallExecutor()
	step := apiCallStep(t, schema.APICallConfig{
		URL:     srv.URL,
		Method:  "GET",
		Extract: ".ticket.id",
	})

	out := e.Execute(context.Background(), testRequest(step, nil))
	require.Equal(t, OutcomeComplete, out.Kind)

	resp := out.Output["notify_response"].(map[string]any)
	assert.Equal(t, "T-42", resp["extracted"])
}

func TestAPICall_NonJSONBodyKeptAsString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "pong")
	}))
	defer srv.Close()

	e := newAPICallExecutor()
	step := apiCallStep(t, schema.APICallConfig{URL: srv.URL, Method: "GET"})

	out := e.Execute(context.Background(), testRequest(step, nil))
	require.Equal(t, OutcomeComplete, out.Kind)
	resp := out.Output["notify_response"].(map[string]any)
	assert.Equal(t, "pong", resp["body"])
}

// --- Failure classification ---

func TestAPICall_4xxFailsWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	e := newAPICallExecutor()
	step := apiCallStep(t, schema.APICallConfig{URL: srv.URL, Method: "GET", Retry: fastRetry})

	out := e.Execute(context.Background(), testRequest(step, nil))
	require.Equal(t, OutcomeFail, out.Kind)
	assert.Equal(t, schema.ErrCodeExternalCall, out.Err.Code)
	assert.Equal(t, http.StatusBadRequest, out.Err.Details["status_code"])
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestAPICall_5xxRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer srv.Close()

	e := newAPICallExecutor()
	step := apiCallStep(t, schema.APICallConfig{URL: srv.URL, Method: "GET", Retry: fastRetry})

	out := e.Execute(context.Background(), testRequest(step, nil))
	require.Equal(t, OutcomeComplete, out.Kind)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAPICall_5xxExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := newAPICallExecutor()
	step := apiCallStep(t, schema.APICallConfig{URL: srv.URL, Method: "GET", Retry: fastRetry})

	out := e.Execute(context.Background(), testRequest(step, nil))
	require.Equal(t, OutcomeFail, out.Kind)
	assert.Equal(t, schema.ErrCodeExternalCall, out.Err.Code)
	assert.Equal(t, int32(fastRetry.Max+1), calls.Load())
	assert.Equal(t, fastRetry.Max+1, out.Err.Details["attempts"])
}

func TestAPICall_TransportErrorRetries(t *testing.T) {
	// A server that is immediately closed yields connection-refused errors.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	e := newAPICallExecutor()
	step := apiCallStep(t, schema.APICallConfig{URL: url, Method: "GET", Retry: fastRetry})

	out := e.Execute(context.Background(), testRequest(step, nil))
	require.Equal(t, OutcomeFail, out.Kind)
	assert.Equal(t, schema.ErrCodeExternalCall, out.Err.Code)
}

func TestAPICall_InvalidURLAfterInterpolation(t *testing.T) {
	e := newAPICallExecutor()
	step := apiCallStep(t, schema.APICallConfig{URL: "${{runtime.target}}", Method: "GET"})
	req := testRequest(step, nil)
	req.Run.Context.Runtime["target"] = "ftp://example.com/file"

	out := e.Execute(context.Background(), req)
	require.Equal(t, OutcomeFail, out.Kind)
	assert.Equal(t, schema.ErrCodeValidation, out.Err.Code)
}

func TestAPICall_MissingInterpolationKeyFails(t *testing.T) {
	e := newAPICallExecutor()
	step := apiCallStep(t, schema.APICallConfig{URL: "https://x.example/${{runtime.absent}}", Method: "GET"})

	out := e.Execute(context.Background(), testRequest(step, nil))
	require.Equal(t, OutcomeFail, out.Kind)
	assert.Equal(t, schema.ErrCodeInterpolation, out.Err.Code)
}

func TestAPICall_BadExtractFailsWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"a": "scalar"}`)
	}))
	defer srv.Close()

	e := newAPICallExecutor()
	step := apiCallStep(t, schema.APICallConfig{URL: srv.URL, Method: "GET", Extract: ".a[0]", Retry: fastRetry})

	out := e.Execute(context.Background(), testRequest(step, nil))
	require.Equal(t, OutcomeFail, out.Kind)
	assert.Equal(t, int32(1), calls.Load())
}
