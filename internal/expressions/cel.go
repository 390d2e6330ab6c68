package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	"github.com/rendis/stepflow/pkg/schema"
)

// Evaluator evaluates conditional expressions using Google's Common
// Expression Language inside a restricted sandbox. This is a security
// boundary: workflow authors supply expressions, so beyond the environment
// exposing only the three context namespaces, every compiled AST is walked
// and any node outside the allowed grammar is rejected.
// Thread-safe: compiled programs are cached and reused across goroutines.
type Evaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator creates a sandboxed CEL evaluator. The environment exposes
// exactly three top-level variables:
//   - static:  map(string, dyn) — workflow-definition constants
//   - profile: map(string, dyn) — per-run environment data
//   - runtime: map(string, dyn) — accumulated step outputs
func NewEvaluator() (*Evaluator, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("static", mapType),
		cel.Variable("profile", mapType),
		cel.Variable("runtime", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &Evaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Evaluate compiles (or retrieves from cache) an expression and evaluates it
// against the given namespaces. Missing namespaces default to empty maps;
// missing keys inside a namespace are evaluation errors, never silent
// defaults.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty condition expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// EvaluateBool evaluates an expression and requires a boolean result.
// Any other result type is an evaluation error.
func (e *Evaluator) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"expression %q evaluated to %T, expected bool", expression, out).
			WithDetails(map[string]any{"expression": expression, "result_type": fmt.Sprintf("%T", out)})
	}
	return b, nil
}

// Check compiles and sandbox-validates an expression without evaluating it.
// Used by workflow-definition validation to reject bad conditions at
// registration time.
func (e *Evaluator) Check(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "empty condition expression")
	}
	_, err := e.getOrCompile(expression)
	return err
}

// getOrCompile returns a cached compiled program or compiles, validates
// against the sandbox grammar, and caches a new one.
func (e *Evaluator) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"compile error in condition %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	if err := validateSandbox(ast, expression); err != nil {
		return nil, err
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"program error for condition %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// allowedFunctions is the closed set of callable functions in conditions.
// Operator names use CEL's internal underscore notation. The entries
// prefixed with @ are internals emitted by the exists/all macro expansion.
var allowedFunctions = map[string]bool{
	// boolean
	"_&&_": true,
	"_||_": true,
	"!_":   true,
	// comparison
	"_==_": true,
	"_!=_": true,
	"_<_":  true,
	"_<=_": true,
	"_>_":  true,
	"_>=_": true,
	// arithmetic
	"_+_": true,
	"_-_": true,
	"_*_": true,
	"_/_": true,
	"_%_": true,
	"-_":  true,
	// selection and membership
	"_[_]":  true,
	"_?_:_": true,
	"@in":   true,
	// collection predicates
	"size":                true,
	"@not_strictly_false": true,
}

// validateSandbox walks the type-checked AST and rejects any node outside
// the allowed grammar: literals, identifier/field selection, list literals,
// the whitelisted operators, size, and the comprehensions produced by the
// exists/all macros. Everything else (string builtins, timestamps, type
// conversions, map construction) is rejected.
func validateSandbox(ast *cel.Ast, expression string) error {
	checked, err := cel.AstToCheckedExpr(ast)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q could not be inspected: %s", expression, err.Error()).
			WithCause(err)
	}
	if err := walkExpr(checked.GetExpr()); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q is outside the allowed grammar: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return nil
}

func walkExpr(e *exprpb.Expr) error {
	if e == nil {
		return nil
	}

	switch k := e.GetExprKind().(type) {
	case *exprpb.Expr_ConstExpr, *exprpb.Expr_IdentExpr:
		// Unknown identifiers are already rejected by the type checker;
		// only the three declared namespaces and macro loop variables reach here.
		return nil

	case *exprpb.Expr_SelectExpr:
		return walkExpr(k.SelectExpr.GetOperand())

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		if !allowedFunctions[call.GetFunction()] {
			return fmt.Errorf("function %q is not allowed", call.GetFunction())
		}
		if err := walkExpr(call.GetTarget()); err != nil {
			return err
		}
		for _, arg := range call.GetArgs() {
			if err := walkExpr(arg); err != nil {
				return err
			}
		}
		return nil

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.GetElements() {
			if err := walkExpr(el); err != nil {
				return err
			}
		}
		return nil

	case *exprpb.Expr_StructExpr:
		return fmt.Errorf("map/struct construction is not allowed")

	case *exprpb.Expr_ComprehensionExpr:
		// Produced by the exists/all macros; the loop body is validated
		// like any other subexpression.
		c := k.ComprehensionExpr
		for _, sub := range []*exprpb.Expr{
			c.GetIterRange(), c.GetAccuInit(), c.GetLoopCondition(), c.GetLoopStep(), c.GetResult(),
		} {
			if err := walkExpr(sub); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported expression node %T", k)
	}
}

// buildActivation creates the evaluation activation from the namespaces.
// Missing namespaces default to empty maps to avoid nil-ref errors.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, 3)
	for _, key := range []string{"static", "profile", "runtime"} {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	return activation
}
