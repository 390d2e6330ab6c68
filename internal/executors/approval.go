package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// ApprovalExecutor suspends the run until an approver decides. Approval
// advances to the step's next target; rejection routes to the on_reject
// branch when configured, and otherwise terminates the run as failed.
// Either way the decision is recorded in the run context as an audit entry.
type ApprovalExecutor struct{}

// NewApprovalExecutor creates an ApprovalExecutor.
func NewApprovalExecutor() *ApprovalExecutor {
	return &ApprovalExecutor{}
}

func (e *ApprovalExecutor) Type() schema.StepType { return schema.StepTypeApproval }

func (e *ApprovalExecutor) Execute(ctx context.Context, req *Request) *Outcome {
	var cfg schema.ApprovalConfig
	if err := json.Unmarshal(req.Step.Config, &cfg); err != nil {
		return fail(schema.NewError(schema.ErrCodeValidation, "decode approval config").
			WithCause(err).WithStep(req.Step.ID))
	}

	// First entry: suspend and surface who may decide.
	if req.Resume == nil {
		return wait(map[string]any{
			"approvers": cfg.Approvers,
			"message":   cfg.Message,
		})
	}

	// A bad decision payload is a caller mistake, not a run failure: the
	// run stays waiting and the hint says what was wrong.
	decision, sErr := decodeDecision(req.Resume)
	if sErr != nil {
		return wait(map[string]any{
			"approvers": cfg.Approvers,
			"message":   cfg.Message,
			"error":     sErr.Message,
		})
	}

	if !isApprover(decision.Approver, cfg.Approvers) {
		return wait(map[string]any{
			"approvers": cfg.Approvers,
			"message":   cfg.Message,
			"error":     fmt.Sprintf("%q is not a configured approver", decision.Approver),
		})
	}

	audit := map[string]any{
		"approved":   decision.Approved,
		"approver":   decision.Approver,
		"comment":    decision.Comment,
		"decided_at": time.Now().UTC().Format(time.RFC3339),
	}
	key := fmt.Sprintf("%s_approval", req.Step.ID)
	output := map[string]any{key: audit}

	if decision.Approved {
		return complete(output)
	}

	if cfg.OnReject != "" {
		return completeAt(output, cfg.OnReject)
	}

	return &Outcome{
		Kind:   OutcomeFail,
		Output: output,
		Err: schema.NewErrorf(schema.ErrCodeApprovalRejected,
			"rejected by %q", decision.Approver).
			WithStep(req.Step.ID).
			WithDetails(map[string]any{"comment": decision.Comment}),
	}
}

// decodeDecision requires an explicit boolean decision and a named
// approver; anything less is rejected rather than guessed at.
func decodeDecision(payload map[string]any) (*schema.ApprovalDecision, *schema.Error) {
	approved, ok := payload["approved"].(bool)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"approval resume requires a boolean 'approved' field")
	}
	approver, ok := payload["approver"].(string)
	if !ok || approver == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"approval resume requires a non-empty 'approver' field")
	}
	comment, _ := payload["comment"].(string)
	return &schema.ApprovalDecision{Approved: approved, Approver: approver, Comment: comment}, nil
}

func isApprover(name string, approvers []string) bool {
	for _, a := range approvers {
		if a == name {
			return true
		}
	}
	return false
}

var _ Executor = (*ApprovalExecutor)(nil)
