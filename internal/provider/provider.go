// Package provider defines the generation backend contract used by
// ai_generate steps. The engine never talks to a model directly; it hands a
// request to a GenerationProvider and validates whatever comes back.
package provider

import (
	"context"
	"encoding/json"
)

// GenerationRequest describes one generation attempt.
type GenerationRequest struct {
	TemplateID string          `json:"template_id"`
	Variables  map[string]any  `json:"variables"`
	Schema     json.RawMessage `json:"schema"`

	// Feedback carries the schema violations from the previous attempt so
	// the provider can correct its output. Empty on the first attempt.
	Feedback []string `json:"feedback,omitempty"`

	// Attempt is 1-based.
	Attempt int `json:"attempt"`
}

// GenerationProvider produces structured output for a template and its
// variables. Implementations must be safe for concurrent use.
type GenerationProvider interface {
	// Name identifies the backend in telemetry records.
	Name() string
	Generate(ctx context.Context, req *GenerationRequest) (map[string]any, error)
}
