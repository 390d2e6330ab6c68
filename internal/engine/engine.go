// Package engine drives workflow runs: it resolves the current step, hands
// a frozen snapshot to the step's executor, and commits the outcome behind
// a per-run lock with an optimistic position guard. The lock is never held
// while an executor runs, so a slow external call cannot block Cancel or
// Status.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/executors"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/notify"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/token"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// Engine exposes the run lifecycle operations.
type Engine struct {
	store     store.Store
	registry  *executors.Registry
	validator *validation.WorkflowValidator
	tokens    *token.Manager
	notifier  notify.Notifier
	logger    *slog.Logger
	locks     *keyedLocks
}

// New creates an Engine.
func New(st store.Store, registry *executors.Registry, validator *validation.WorkflowValidator, tokens *token.Manager, notifier notify.Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     st,
		registry:  registry,
		validator: validator,
		tokens:    tokens,
		notifier:  notifier,
		logger:    logger,
		locks:     newKeyedLocks(),
	}
}

// StartRequest carries the inputs to Start.
type StartRequest struct {
	WorkflowID string
	// Version selects a workflow snapshot; 0 means latest.
	Version int
	Inputs  map[string]any
	// Profile seeds the run's profile namespace (tenant/environment data).
	Profile map[string]any
	// IdempotencyKey makes Start safe to repeat. A repeated key with the
	// same inputs returns the existing run; different inputs conflict.
	IdempotencyKey string
}

// RunResult is the caller-facing outcome of Start and Resume.
type RunResult struct {
	Run *schema.Run
	// ResumeToken authorizes resuming the current wait point. Set only
	// while the run is waiting.
	ResumeToken string
	// WaitHint describes what the run is waiting for (form fields,
	// validation errors, approval metadata).
	WaitHint map[string]any
}

// RegisterWorkflow validates a definition and stores it as a new immutable
// version. The returned workflow carries the assigned version.
func (e *Engine) RegisterWorkflow(ctx context.Context, wf *schema.Workflow) (*schema.Workflow, error) {
	if err := e.validator.ValidateDefinition(wf); err != nil {
		return nil, err
	}
	version, err := e.store.RegisterWorkflow(ctx, wf)
	if err != nil {
		return nil, err
	}
	wf.Version = version
	e.logger.InfoContext(logging.WithWorkflowID(ctx, wf.ID), "workflow registered",
		slog.Int("version", version), slog.Int("steps", len(wf.Steps)))
	return wf, nil
}

// GetWorkflow loads a registered workflow. Version 0 means latest.
func (e *Engine) GetWorkflow(ctx context.Context, id string, version int) (*schema.Workflow, error) {
	return e.store.GetWorkflow(ctx, id, version)
}

// ListWorkflows returns the latest version of every registered workflow.
func (e *Engine) ListWorkflows(ctx context.Context) ([]*schema.Workflow, error) {
	return e.store.ListWorkflows(ctx)
}

// Start creates a run pinned to the workflow's current (or requested)
// version and drives it until it waits or terminates.
func (e *Engine) Start(ctx context.Context, req *StartRequest) (*RunResult, error) {
	hash, err := inputHash(req.Inputs)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "inputs are not serializable").WithCause(err)
	}

	if req.IdempotencyKey != "" {
		existing, err := e.store.FindRunByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return e.idempotentResult(ctx, existing, hash, req.IdempotencyKey)
		}
		if !isNotFound(err) {
			return nil, err
		}
	}

	wf, err := e.store.GetWorkflow(ctx, req.WorkflowID, req.Version)
	if err != nil {
		return nil, err
	}

	run := &schema.Run{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          schema.RunStatusQueued,
		CurrentStep:     wf.StartStep,
		Context:         schema.NewContext(req.Inputs),
		IdempotencyKey:  req.IdempotencyKey,
		InputHash:       hash,
	}
	if len(req.Profile) > 0 {
		run.Context.Profile = req.Profile
	}

	if err := e.store.CreateRun(ctx, run); err != nil {
		// A concurrent Start with the same key won the insert; fall back
		// to the idempotent path.
		if schema.CodeOf(err) == schema.ErrCodeConflict && req.IdempotencyKey != "" {
			existing, ferr := e.store.FindRunByIdempotencyKey(ctx, req.IdempotencyKey)
			if ferr != nil {
				return nil, err
			}
			return e.idempotentResult(ctx, existing, hash, req.IdempotencyKey)
		}
		return nil, err
	}

	e.logger.InfoContext(logging.WithRunID(logging.WithWorkflowID(ctx, wf.ID), run.ID),
		"run started", slog.Int("workflow_version", wf.Version))

	return e.drive(ctx, run.ID)
}

// idempotentResult returns the existing run for a repeated idempotency key,
// or CONFLICT when the inputs differ from the original request.
func (e *Engine) idempotentResult(ctx context.Context, run *schema.Run, hash, key string) (*RunResult, error) {
	if run.InputHash != hash {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"idempotency key %q was used with different inputs", key).
			WithDetails(map[string]any{"run_id": run.ID})
	}
	return e.describe(ctx, run)
}

// Resume validates a resume token and delivers the payload to the waiting
// step. The token is only honored while the run still waits at the exact
// point it was issued for: a terminated run reports RUN_TERMINATED, a run
// that moved past the wait point reports STALE_POSITION, and TOKEN_INVALID
// is reserved for tokens that fail verification.
func (e *Engine) Resume(ctx context.Context, tokenString string, payload map[string]any) (*RunResult, error) {
	runID, stepID, err := e.tokens.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}

	ctx = logging.WithStepID(logging.WithRunID(ctx, runID), stepID)

	e.locks.Lock(runID)
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		e.locks.Unlock(runID)
		if isNotFound(err) {
			return nil, schema.NewError(schema.ErrCodeTokenInvalid, "resume token does not match any run")
		}
		return nil, err
	}

	if run.Status.Terminal() {
		e.locks.Unlock(runID)
		return nil, schema.NewErrorf(schema.ErrCodeRunTerminated,
			"run %q already ended as %s", runID, run.Status).
			WithDetails(map[string]any{"run_id": runID, "status": string(run.Status)})
	}
	if run.Status != schema.RunStatusWaiting || run.CurrentStep != stepID {
		e.locks.Unlock(runID)
		return nil, schema.NewError(schema.ErrCodeStalePosition,
			"resume token no longer matches the run's wait point").
			WithDetails(map[string]any{
				"run_id":       runID,
				"status":       string(run.Status),
				"current_step": run.CurrentStep,
			})
	}

	wf, step, exec, sErr := e.resolveStep(ctx, run)
	if sErr != nil {
		e.locks.Unlock(runID)
		return nil, sErr
	}

	// waiting -> running, then execute without the lock.
	if err := e.commitDelta(ctx, &store.StepDelta{
		RunID:          runID,
		ExpectedStatus: schema.RunStatusWaiting,
		ExpectedStep:   stepID,
		NewStatus:      schema.RunStatusRunning,
		NewCurrentStep: stepID,
		Context:        run.Context,
	}); err != nil {
		e.locks.Unlock(runID)
		return nil, err
	}
	snapshot := snapshotRun(run)
	snapshot.Status = schema.RunStatusRunning
	e.locks.Unlock(runID)

	outcome := exec.Execute(ctx, &executors.Request{
		Run:      snapshot,
		Workflow: wf,
		Step:     step,
		Resume:   payload,
	})

	res, done, err := e.applyOutcome(ctx, runID, wf, step, outcome)
	if err != nil {
		if schema.CodeOf(err) == schema.ErrCodeStalePosition {
			// The run was canceled while the executor ran; report its state.
			return e.Describe(ctx, runID)
		}
		return nil, err
	}
	if done {
		return res, nil
	}
	return e.drive(ctx, runID)
}

// Cancel terminates a non-terminal run. The transition commits behind the
// position guard, so an in-flight step outcome that lands later is
// discarded instead of resurrecting the run.
func (e *Engine) Cancel(ctx context.Context, runID string) (*schema.Run, error) {
	ctx = logging.WithRunID(ctx, runID)

	e.locks.Lock(runID)
	defer e.locks.Unlock(runID)

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := guardTransition(run.ID, run.Status, schema.RunStatusCanceled); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := e.commitDelta(ctx, &store.StepDelta{
		RunID:          runID,
		ExpectedStatus: run.Status,
		ExpectedStep:   run.CurrentStep,
		NewStatus:      schema.RunStatusCanceled,
		Context:        run.Context,
		CompletedAt:    &now,
	}); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "run canceled", slog.String("was", string(run.Status)))
	return e.store.GetRun(ctx, runID)
}

// Status returns the current run state.
func (e *Engine) Status(ctx context.Context, runID string) (*schema.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// History returns the run's append-only execution records in order.
func (e *Engine) History(ctx context.Context, runID string) ([]*schema.RunStep, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.ListRunSteps(ctx, runID)
}

// ListRuns lists runs matching the filter.
func (e *Engine) ListRuns(ctx context.Context, filter store.RunFilter) ([]*schema.Run, error) {
	return e.store.ListRuns(ctx, filter)
}

// Recover re-drives runs a previous process left in running, typically
// after a crash mid-step. Re-execution is safe at this boundary: an outcome
// the dead process managed to commit moved the position, so the guard
// discards any duplicate.
func (e *Engine) Recover(ctx context.Context) error {
	running := schema.RunStatusRunning
	orphaned, err := e.store.ListRuns(ctx, store.RunFilter{Status: &running})
	if err != nil {
		return err
	}
	for _, run := range orphaned {
		runCtx := logging.WithRunID(ctx, run.ID)
		if _, err := e.drive(runCtx, run.ID); err != nil {
			e.logger.WarnContext(runCtx, "recovery drive failed", slog.String("error", err.Error()))
		}
	}
	if len(orphaned) > 0 {
		e.logger.InfoContext(ctx, "re-drove orphaned runs", slog.Int("count", len(orphaned)))
	}
	return nil
}

// Describe returns the RunResult view of a run's current state, including
// a fresh resume token when it waits.
func (e *Engine) Describe(ctx context.Context, runID string) (*RunResult, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return e.describe(ctx, run)
}

// --- dispatch loop ---

// drive advances a run step by step until it waits, terminates, or the
// context is done. Each iteration re-reads the run under the lock, so a
// cancel landing between steps is observed before the next executor call.
func (e *Engine) drive(ctx context.Context, runID string) (*RunResult, error) {
	ctx = logging.WithRunID(ctx, runID)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		e.locks.Lock(runID)
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			e.locks.Unlock(runID)
			return nil, err
		}

		switch run.Status {
		case schema.RunStatusQueued:
			err := e.commitDelta(ctx, &store.StepDelta{
				RunID:          runID,
				ExpectedStatus: schema.RunStatusQueued,
				ExpectedStep:   run.CurrentStep,
				NewStatus:      schema.RunStatusRunning,
				NewCurrentStep: run.CurrentStep,
				Context:        run.Context,
			})
			e.locks.Unlock(runID)
			if err != nil && schema.CodeOf(err) != schema.ErrCodeStalePosition {
				return nil, err
			}
			continue

		case schema.RunStatusRunning:
			// dispatch below

		default:
			// waiting or terminal: nothing to drive.
			e.locks.Unlock(runID)
			return e.describe(ctx, run)
		}

		wf, step, exec, sErr := e.resolveStep(ctx, run)
		if sErr != nil {
			// Definitions are validated at registration; an unresolvable
			// step here means the snapshot is corrupt. Fail the run.
			e.locks.Unlock(runID)
			if _, _, aerr := e.commitFailure(ctx, runID, run.CurrentStep, sErr); aerr != nil {
				return nil, aerr
			}
			return e.Describe(ctx, runID)
		}

		snapshot := snapshotRun(run)
		e.locks.Unlock(runID)

		stepCtx := logging.WithStepID(ctx, step.ID)
		outcome := exec.Execute(stepCtx, &executors.Request{
			Run:      snapshot,
			Workflow: wf,
			Step:     step,
		})

		res, done, err := e.applyOutcome(stepCtx, runID, wf, step, outcome)
		if err != nil {
			if schema.CodeOf(err) == schema.ErrCodeStalePosition {
				// Canceled (or otherwise moved) while the executor ran;
				// the next iteration reports the authoritative state.
				continue
			}
			return nil, err
		}
		if done {
			return res, nil
		}
	}
}

// resolveStep loads the run's pinned workflow and resolves its current step
// and executor.
func (e *Engine) resolveStep(ctx context.Context, run *schema.Run) (*schema.Workflow, *schema.Step, executors.Executor, error) {
	wf, err := e.store.GetWorkflow(ctx, run.WorkflowID, run.WorkflowVersion)
	if err != nil {
		return nil, nil, nil, err
	}
	step := wf.StepByID(run.CurrentStep)
	if step == nil {
		return nil, nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
			"current step %q not present in workflow %s@%d", run.CurrentStep, wf.ID, wf.Version)
	}
	exec, err := e.registry.Get(step.Type)
	if err != nil {
		return nil, nil, nil, err
	}
	return wf, step, exec, nil
}

// applyOutcome commits an executor outcome under the run lock, guarded by
// the (running, step) position the executor was dispatched from. It returns
// done=false when the run advanced and the loop should continue.
func (e *Engine) applyOutcome(ctx context.Context, runID string, wf *schema.Workflow, step *schema.Step, outcome *executors.Outcome) (*RunResult, bool, error) {
	e.locks.Lock(runID)
	defer e.locks.Unlock(runID)

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	if run.Status != schema.RunStatusRunning || run.CurrentStep != step.ID {
		return nil, false, schema.NewErrorf(schema.ErrCodeStalePosition,
			"run %q moved past (%s, %s); outcome discarded", runID, schema.RunStatusRunning, step.ID).
			WithStep(step.ID)
	}

	now := time.Now().UTC()
	record := &schema.RunStep{
		ID:        uuid.NewString(),
		RunID:     runID,
		StepID:    step.ID,
		Type:      step.Type,
		Attempt:   e.nextAttempt(ctx, runID, step.ID),
		StartedAt: now,
		EndedAt:   &now,
	}

	delta := &store.StepDelta{
		RunID:          runID,
		ExpectedStatus: schema.RunStatusRunning,
		ExpectedStep:   step.ID,
		Context:        run.Context,
		Step:           record,
	}

	var res *RunResult
	done := true

	switch outcome.Kind {
	case executors.OutcomeWait:
		record.Status = schema.RunStepStatusWaiting
		record.Output = marshalAny(outcome.Hint)
		delta.NewStatus = schema.RunStatusWaiting
		delta.NewCurrentStep = step.ID

	case executors.OutcomeFail:
		record.Status = schema.RunStepStatusFailed
		record.Output = marshalAny(outcome.Output)
		record.Error = marshalError(outcome.Err)
		mergeRuntime(run.Context, outcome.Output)
		delta.NewStatus = schema.RunStatusFailed
		delta.CompletedAt = &now
		e.logger.WarnContext(ctx, "step failed", slog.String("error", outcome.Err.Error()))

	case executors.OutcomeComplete:
		record.Status = schema.RunStepStatusCompleted
		record.Output = marshalAny(outcome.Output)
		mergeRuntime(run.Context, outcome.Output)

		next := step.Next
		if outcome.NextOverride != nil {
			next = *outcome.NextOverride
		}
		if next == "" {
			delta.NewStatus = schema.RunStatusCompleted
			delta.CompletedAt = &now
		} else {
			delta.NewStatus = schema.RunStatusRunning
			delta.NewCurrentStep = next
			done = false
		}

	default:
		return nil, false, schema.NewErrorf(schema.ErrCodeValidation,
			"executor returned unknown outcome kind %q", outcome.Kind)
	}

	if err := e.commitDelta(ctx, delta); err != nil {
		return nil, false, err
	}

	if done {
		updated, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return nil, false, err
		}
		res = &RunResult{Run: updated, WaitHint: outcome.Hint}
		if updated.Status == schema.RunStatusWaiting {
			tok, err := e.tokens.Issue(runID, step.ID)
			if err != nil {
				return nil, false, err
			}
			res.ResumeToken = tok
			e.notifyIfApproval(ctx, updated, step, outcome.Hint, tok)
		}
	}
	return res, done, nil
}

// commitFailure marks a run failed outside the normal outcome path.
func (e *Engine) commitFailure(ctx context.Context, runID, stepID string, cause error) (*RunResult, bool, error) {
	sErr, ok := cause.(*schema.Error)
	if !ok {
		sErr = schema.NewError(schema.ErrCodeStore, cause.Error()).WithCause(cause)
	}
	e.locks.Lock(runID)
	defer e.locks.Unlock(runID)

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	err = e.commitDelta(ctx, &store.StepDelta{
		RunID:          runID,
		ExpectedStatus: run.Status,
		ExpectedStep:   run.CurrentStep,
		NewStatus:      schema.RunStatusFailed,
		Context:        run.Context,
		CompletedAt:    &now,
		Step: &schema.RunStep{
			ID:        uuid.NewString(),
			RunID:     runID,
			StepID:    stepID,
			Status:    schema.RunStepStatusFailed,
			Attempt:   e.nextAttempt(ctx, runID, stepID),
			Error:     marshalError(sErr),
			StartedAt: now,
			EndedAt:   &now,
		},
	})
	return nil, true, err
}

// describe builds the RunResult view of an existing run. Waiting runs get a
// fresh token and the hint recorded on their latest waiting record.
func (e *Engine) describe(ctx context.Context, run *schema.Run) (*RunResult, error) {
	res := &RunResult{Run: run}
	if run.Status != schema.RunStatusWaiting {
		return res, nil
	}

	tok, err := e.tokens.Issue(run.ID, run.CurrentStep)
	if err != nil {
		return nil, err
	}
	res.ResumeToken = tok

	steps, err := e.store.ListRunSteps(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].StepID == run.CurrentStep && steps[i].Status == schema.RunStepStatusWaiting {
			var hint map[string]any
			if len(steps[i].Output) > 0 {
				_ = json.Unmarshal(steps[i].Output, &hint)
			}
			res.WaitHint = hint
			break
		}
	}
	return res, nil
}

// notifyIfApproval delivers the approval request when an approval step
// suspends. Notification failures are logged, never fatal: the run is
// already safely waiting.
func (e *Engine) notifyIfApproval(ctx context.Context, run *schema.Run, step *schema.Step, hint map[string]any, resumeToken string) {
	if step.Type != schema.StepTypeApproval || e.notifier == nil {
		return
	}
	var cfg schema.ApprovalConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return
	}
	req := &notify.ApprovalRequest{
		RunID:       run.ID,
		StepID:      step.ID,
		Approvers:   cfg.Approvers,
		Message:     cfg.Message,
		ResumeToken: resumeToken,
	}
	if err := e.notifier.NotifyApproval(ctx, req); err != nil {
		e.logger.WarnContext(ctx, "approval notification failed", slog.String("error", err.Error()))
	}
}

// nextAttempt numbers execution records per step within a run.
func (e *Engine) nextAttempt(ctx context.Context, runID, stepID string) int {
	steps, err := e.store.ListRunSteps(ctx, runID)
	if err != nil {
		return 1
	}
	n := 0
	for _, s := range steps {
		if s.StepID == stepID {
			n++
		}
	}
	return n + 1
}

// snapshotRun hands executors a copy whose context cannot alias engine state.
func snapshotRun(run *schema.Run) *schema.Run {
	s := *run
	s.Context = run.Context.Clone()
	return &s
}

// mergeRuntime merges step output into the runtime namespace.
func mergeRuntime(rc *schema.Context, output map[string]any) {
	if len(output) == 0 {
		return
	}
	if rc.Runtime == nil {
		rc.Runtime = map[string]any{}
	}
	for k, v := range output {
		rc.Runtime[k] = v
	}
}

func marshalAny(v map[string]any) json.RawMessage {
	if len(v) == 0 {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func marshalError(err *schema.Error) json.RawMessage {
	if err == nil {
		return nil
	}
	b, merr := json.Marshal(err)
	if merr != nil {
		return json.RawMessage(`{"code":"STORE_ERROR"}`)
	}
	return b
}
