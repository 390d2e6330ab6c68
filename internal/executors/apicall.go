package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

const (
	defaultCallTimeout     = 30 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
)

// defaultRetryPolicy applies when the step config carries none: two retries
// with exponential backoff on transient failures.
var defaultRetryPolicy = schema.RetryPolicy{Max: 2, Backoff: "exponential", Delay: "1s"}

// APICallExecutor performs the outbound HTTP call for api_call steps.
// 2xx completes the step; 4xx fails immediately (the request is wrong,
// repeating it cannot help); 5xx and transport errors retry with backoff
// under the step's retry policy.
type APICallExecutor struct {
	client          *http.Client
	interpolator    *expressions.Interpolator
	extractor       *expressions.Extractor
	maxResponseBody int64
}

// NewAPICallExecutor creates an APICallExecutor. A nil client falls back to
// a dedicated client with no global timeout; per-call timeouts come from
// the step config.
func NewAPICallExecutor(client *http.Client, interpolator *expressions.Interpolator, extractor *expressions.Extractor) *APICallExecutor {
	if client == nil {
		client = &http.Client{}
	}
	return &APICallExecutor{
		client:          client,
		interpolator:    interpolator,
		extractor:       extractor,
		maxResponseBody: defaultMaxResponseBody,
	}
}

func (e *APICallExecutor) Type() schema.StepType { return schema.StepTypeAPICall }

func (e *APICallExecutor) Execute(ctx context.Context, req *Request) *Outcome {
	var cfg schema.APICallConfig
	if err := json.Unmarshal(req.Step.Config, &cfg); err != nil {
		return fail(schema.NewError(schema.ErrCodeValidation, "decode api_call config").
			WithCause(err).WithStep(req.Step.ID))
	}

	call, sErr := e.buildCall(&cfg, req)
	if sErr != nil {
		return fail(sErr.WithStep(req.Step.ID))
	}

	retry := cfg.Retry
	if retry == nil {
		retry = &defaultRetryPolicy
	}

	var lastErr *schema.Error
	for attempt := 0; attempt <= retry.Max; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, ComputeBackoff(retry, attempt-1)); err != nil {
				return fail(schema.NewError(schema.ErrCodeExternalCall, "canceled while waiting to retry").
					WithCause(err).WithStep(req.Step.ID))
			}
		}

		outcome, retryable, callErr := e.attempt(ctx, req, &cfg, call)
		if outcome != nil {
			return outcome
		}
		lastErr = callErr
		if !retryable {
			return fail(lastErr.WithStep(req.Step.ID))
		}
	}

	return fail(lastErr.WithStep(req.Step.ID).
		WithDetails(map[string]any{"attempts": retry.Max + 1}))
}

// resolvedCall holds the fully interpolated request parts.
type resolvedCall struct {
	method  string
	url     string
	headers map[string]string
	body    []byte
	timeout time.Duration
}

func (e *APICallExecutor) buildCall(cfg *schema.APICallConfig, req *Request) (*resolvedCall, *schema.Error) {
	scope := expressions.NewScope(req.Run)

	rawURL, err := e.interpolator.ResolveString(cfg.URL, scope)
	if err != nil {
		return nil, asError(err)
	}
	u, uerr := url.ParseRequestURI(rawURL)
	if uerr != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q after interpolation", rawURL)
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		rv, err := e.interpolator.ResolveString(v, scope)
		if err != nil {
			return nil, asError(err)
		}
		headers[k] = rv
	}

	var body []byte
	if len(cfg.Body) > 0 {
		resolved, err := e.interpolator.Resolve(cfg.Body, scope)
		if err != nil {
			return nil, asError(err)
		}
		body = resolved
	}

	timeout := defaultCallTimeout
	if cfg.TimeoutS > 0 {
		timeout = time.Duration(cfg.TimeoutS) * time.Second
	}

	return &resolvedCall{
		method:  strings.ToUpper(cfg.Method),
		url:     rawURL,
		headers: headers,
		body:    body,
		timeout: timeout,
	}, nil
}

// attempt performs one HTTP round trip. It returns a terminal outcome, or
// (nil, retryable, err) when the attempt failed.
func (e *APICallExecutor) attempt(ctx context.Context, req *Request, cfg *schema.APICallConfig, call *resolvedCall) (*Outcome, bool, *schema.Error) {
	reqCtx, cancel := context.WithTimeout(ctx, call.timeout)
	defer cancel()

	var bodyReader io.Reader
	if len(call.body) > 0 {
		bodyReader = strings.NewReader(string(call.body))
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, call.method, call.url, bodyReader)
	if err != nil {
		return nil, false, schema.NewError(schema.ErrCodeExternalCall, "build request").WithCause(err)
	}
	if len(call.body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range call.headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		// Transport failure or timeout: retryable.
		return nil, true, schema.NewErrorf(schema.ErrCodeExternalCall, "request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, e.maxResponseBody))
	if err != nil {
		return nil, true, schema.NewError(schema.ErrCodeExternalCall, "read response body").WithCause(err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fallthrough to success handling below
	case resp.StatusCode >= 500:
		return nil, true, schema.NewErrorf(schema.ErrCodeExternalCall,
			"server returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": string(bodyBytes)})
	default:
		// 4xx (and 3xx the client did not follow): the request itself is
		// wrong, retrying cannot change the answer.
		return nil, false, schema.NewErrorf(schema.ErrCodeExternalCall,
			"server returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": string(bodyBytes)})
	}

	parsedBody := parseBody(resp.Header.Get("Content-Type"), bodyBytes)

	value := map[string]any{
		"status_code": resp.StatusCode,
		"body":        parsedBody,
		"duration_ms": durationMs,
	}

	if cfg.Extract != "" {
		extracted, err := e.extractor.Extract(ctx, cfg.Extract, parsedBody)
		if err != nil {
			return nil, false, asError(err)
		}
		value["extracted"] = extracted
	}

	key := fmt.Sprintf("%s_response", req.Step.ID)
	return complete(map[string]any{key: value}), false, nil
}

func parseBody(contentType string, body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var parsed any
		if err := json.Unmarshal(body, &parsed); err == nil {
			return parsed
		}
	}
	return string(body)
}

func asError(err error) *schema.Error {
	if sErr, ok := err.(*schema.Error); ok {
		return sErr
	}
	return schema.NewError(schema.ErrCodeExternalCall, err.Error()).WithCause(err)
}

var _ Executor = (*APICallExecutor)(nil)
