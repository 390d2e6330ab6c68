package store

import (
	"context"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows (immutable, versioned)
	RegisterWorkflow(ctx context.Context, wf *schema.Workflow) (int, error)
	GetWorkflow(ctx context.Context, id string, version int) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*schema.Workflow, error)

	// Runs
	CreateRun(ctx context.Context, run *schema.Run) error
	GetRun(ctx context.Context, id string) (*schema.Run, error)
	FindRunByIdempotencyKey(ctx context.Context, key string) (*schema.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error)

	// CommitStepDelta atomically applies one step outcome: the run's
	// status/position/context update and the appended execution record
	// commit in a single transaction, guarded by the run's expected
	// position. A guard miss returns STALE_POSITION; a transaction
	// failure returns TRANSACTION_ABORT and leaves the run untouched.
	CommitStepDelta(ctx context.Context, delta *StepDelta) error

	// Execution history (append-only)
	ListRunSteps(ctx context.Context, runID string) ([]*schema.RunStep, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// StepDelta is the unit of run progress. ExpectedStatus/ExpectedStep form
// the optimistic guard: the update applies only if the run is still at the
// position the caller observed.
type StepDelta struct {
	RunID          string
	ExpectedStatus schema.RunStatus
	ExpectedStep   string

	NewStatus      schema.RunStatus
	NewCurrentStep string // empty clears the position (terminal states)
	Context        *schema.Context
	CompletedAt    *time.Time

	// Step is the execution record appended alongside the run update.
	// The store assigns its per-run sequence number.
	Step *schema.RunStep
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	WorkflowID string
	Status     *schema.RunStatus
	Since      *time.Time
	Limit      int
	Offset     int
}
