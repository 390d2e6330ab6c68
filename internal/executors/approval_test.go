package executors

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func approvalStep(t *testing.T, cfg schema.ApprovalConfig) *schema.Step {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return &schema.Step{ID: "sign_off", Type: schema.StepTypeApproval, Next: "publish", Config: raw}
}

// --- Suspension ---

func TestApproval_FirstEntryWaits(t *testing.T) {
	e := NewApprovalExecutor()
	step := approvalStep(t, schema.ApprovalConfig{
		Approvers: []string{"lead@example.com"},
		Message:   "Sign off on the report",
	})

	out := e.Execute(context.Background(), testRequest(step, nil))
	require.Equal(t, OutcomeWait, out.Kind)
	assert.Equal(t, []string{"lead@example.com"}, out.Hint["approvers"])
	assert.Equal(t, "Sign off on the report", out.Hint["message"])
}

// --- Decisions ---

func TestApproval_Approved(t *testing.T) {
	e := NewApprovalExecutor()
	step := approvalStep(t, schema.ApprovalConfig{Approvers: []string{"lead@example.com"}})

	out := e.Execute(context.Background(), testRequest(step, map[string]any{
		"approved": true,
		"approver": "lead@example.com",
		"comment":  "ship it",
	}))
	require.Equal(t, OutcomeComplete, out.Kind)
	assert.Nil(t, out.NextOverride)

	audit, ok := out.Output["sign_off_approval"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, audit["approved"])
	assert.Equal(t, "lead@example.com", audit["approver"])
	assert.Equal(t, "ship it", audit["comment"])
	assert.NotEmpty(t, audit["decided_at"])
}

func TestApproval_RejectedWithOnReject(t *testing.T) {
	e := NewApprovalExecutor()
	step := approvalStep(t, schema.ApprovalConfig{
		Approvers: []string{"lead@example.com"},
		OnReject:  "revise",
	})

	out := e.Execute(context.Background(), testRequest(step, map[string]any{
		"approved": false,
		"approver": "lead@example.com",
		"comment":  "needs work",
	}))
	require.Equal(t, OutcomeComplete, out.Kind)
	require.NotNil(t, out.NextOverride)
	assert.Equal(t, "revise", *out.NextOverride)

	audit := out.Output["sign_off_approval"].(map[string]any)
	assert.Equal(t, false, audit["approved"])
}

func TestApproval_RejectedWithoutOnRejectFails(t *testing.T) {
	e := NewApprovalExecutor()
	step := approvalStep(t, schema.ApprovalConfig{Approvers: []string{"lead@example.com"}})

	out := e.Execute(context.Background(), testRequest(step, map[string]any{
		"approved": false,
		"approver": "lead@example.com",
		"comment":  "no",
	}))
	require.Equal(t, OutcomeFail, out.Kind)
	require.NotNil(t, out.Err)
	assert.Equal(t, schema.ErrCodeApprovalRejected, out.Err.Code)
	// The audit entry still lands in the record.
	assert.Contains(t, out.Output, "sign_off_approval")
}

// --- Bad payloads keep the run waiting ---

func TestApproval_MalformedPayloadWaits(t *testing.T) {
	e := NewApprovalExecutor()
	step := approvalStep(t, schema.ApprovalConfig{Approvers: []string{"lead@example.com"}})

	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"empty payload", map[string]any{}},
		{"approved not bool", map[string]any{"approved": "yes", "approver": "lead@example.com"}},
		{"missing approver", map[string]any{"approved": true}},
		{"empty approver", map[string]any{"approved": true, "approver": ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := e.Execute(context.Background(), testRequest(step, tt.payload))
			require.Equal(t, OutcomeWait, out.Kind)
			assert.NotEmpty(t, out.Hint["error"])
		})
	}
}

func TestApproval_UnauthorizedApproverWaits(t *testing.T) {
	e := NewApprovalExecutor()
	step := approvalStep(t, schema.ApprovalConfig{Approvers: []string{"lead@example.com"}})

	out := e.Execute(context.Background(), testRequest(step, map[string]any{
		"approved": true,
		"approver": "intruder@example.com",
	}))
	require.Equal(t, OutcomeWait, out.Kind)
	assert.Contains(t, out.Hint["error"], "not a configured approver")
}
