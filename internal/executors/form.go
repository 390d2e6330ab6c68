package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/rendis/stepflow/pkg/schema"
)

// emailPattern checks for one @, a non-empty local part, and a dot in the
// domain. Full RFC 5322 enforcement belongs to the delivery layer.
var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// FormExecutor suspends the run until form input arrives, then validates it
// against the configured fields. Invalid input keeps the run waiting with
// per-field errors; it never fails the run.
type FormExecutor struct{}

// NewFormExecutor creates a FormExecutor.
func NewFormExecutor() *FormExecutor {
	return &FormExecutor{}
}

func (e *FormExecutor) Type() schema.StepType { return schema.StepTypeForm }

func (e *FormExecutor) Execute(ctx context.Context, req *Request) *Outcome {
	var cfg schema.FormConfig
	if err := json.Unmarshal(req.Step.Config, &cfg); err != nil {
		return fail(schema.NewError(schema.ErrCodeValidation, "decode form config").
			WithCause(err).WithStep(req.Step.ID))
	}

	// First entry: publish the field definitions and suspend.
	if req.Resume == nil {
		return wait(map[string]any{"fields": cfg.Fields})
	}

	fieldErrors := validateFormInput(&cfg, req.Resume)
	if len(fieldErrors) > 0 {
		return wait(map[string]any{
			"fields":       cfg.Fields,
			"field_errors": fieldErrors,
		})
	}

	// Validated input enters the runtime namespace as-is, keyed by field.
	output := make(map[string]any, len(cfg.Fields))
	for _, f := range cfg.Fields {
		if v, ok := req.Resume[f.Key]; ok {
			output[f.Key] = v
		}
	}
	return complete(output)
}

// validateFormInput checks the submitted values against the field
// constraints. No value is ever coerced; a wrong type is a violation.
func validateFormInput(cfg *schema.FormConfig, input map[string]any) map[string]string {
	errs := make(map[string]string)

	known := make(map[string]*schema.FormField, len(cfg.Fields))
	for i := range cfg.Fields {
		known[cfg.Fields[i].Key] = &cfg.Fields[i]
	}

	// Unknown keys are rejected rather than silently dropped.
	var extra []string
	for k := range input {
		if _, ok := known[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		errs[k] = "unexpected field"
	}

	for _, f := range cfg.Fields {
		v, present := input[f.Key]
		if !present || v == nil {
			if f.Required {
				errs[f.Key] = "required"
			}
			continue
		}
		if msg := validateFieldValue(&f, v); msg != "" {
			errs[f.Key] = msg
		}
	}

	return errs
}

func validateFieldValue(f *schema.FormField, v any) string {
	switch f.Type {
	case "text", "textarea", "email":
		s, ok := v.(string)
		if !ok {
			return fmt.Sprintf("expected string, got %T", v)
		}
		if f.Required && s == "" {
			return "required"
		}
		if f.Type == "email" && s != "" && !emailPattern.MatchString(s) {
			return "not a valid email address"
		}
		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				return "field pattern does not compile"
			}
			if !re.MatchString(s) {
				return fmt.Sprintf("does not match pattern %s", f.Pattern)
			}
		}
		// For string fields min/max bound the length.
		n := float64(len([]rune(s)))
		if f.Min != nil && n < *f.Min {
			return fmt.Sprintf("shorter than %v characters", *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			return fmt.Sprintf("longer than %v characters", *f.Max)
		}

	case "number", "slider":
		n, ok := numericValue(v)
		if !ok {
			return fmt.Sprintf("expected number, got %T", v)
		}
		if f.Min != nil && n < *f.Min {
			return fmt.Sprintf("below minimum %v", *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			return fmt.Sprintf("above maximum %v", *f.Max)
		}

	case "checkbox":
		if _, ok := v.(bool); !ok {
			return fmt.Sprintf("expected boolean, got %T", v)
		}

	case "select", "radio":
		s, ok := v.(string)
		if !ok {
			return fmt.Sprintf("expected string, got %T", v)
		}
		for _, opt := range f.Options {
			if s == opt {
				return ""
			}
		}
		return fmt.Sprintf("%q is not one of the allowed options", s)

	default:
		// Registration-time validation rejects unknown field types;
		// reaching here means the definition bypassed it.
		return fmt.Sprintf("unknown field type %q", f.Type)
	}
	return ""
}

// numericValue accepts the number representations JSON decoding produces.
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

var _ Executor = (*FormExecutor)(nil)
