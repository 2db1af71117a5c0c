package workflow

import (
	"context"
	"time"

	"github.com/noatudor/maestro/id"
)

// ListOpts controls filtering and pagination for instance list queries.
type ListOpts struct {
	// Limit is the maximum number of instances to return. Zero means no
	// limit.
	Limit int
	// Offset is the number of instances to skip.
	Offset int
	// State filters by instance state. Empty means all states.
	State State
	// DefinitionKey filters by definition key. Empty means all.
	DefinitionKey string
	// UpdatedBefore keeps only instances not touched since the given
	// time. Zero means no cutoff.
	UpdatedBefore time.Time
}

// Store is the persistence contract for workflow instances, their step
// and compensation runs, and the append-only decision records.
type Store interface {
	// CreateInstance persists a new workflow instance.
	CreateInstance(ctx context.Context, w *Instance) error

	// GetInstance retrieves an instance by ID. Returns
	// maestro.ErrWorkflowNotFound if absent.
	GetInstance(ctx context.Context, workflowID id.WorkflowID) (*Instance, error)

	// UpdateInstance persists changes to an existing instance.
	UpdateInstance(ctx context.Context, w *Instance) error

	// ListInstances returns instances matching the given options,
	// ordered by creation time.
	ListInstances(ctx context.Context, opts ListOpts) ([]*Instance, error)

	// WithLockedInstance runs fn while holding an exclusive lock on the
	// instance's row. The instance passed to fn is freshly loaded under
	// the lock; mutations fn makes are persisted when fn returns nil and
	// discarded otherwise. Returns maestro.ErrWorkflowLocked without
	// waiting if another holder has the lock.
	WithLockedInstance(ctx context.Context, workflowID id.WorkflowID, fn func(ctx context.Context, w *Instance) error) error

	// CreateStepRun persists a new step run.
	CreateStepRun(ctx context.Context, r *StepRun) error

	// GetStepRun retrieves a step run by ID. Returns
	// maestro.ErrStepRunNotFound if absent.
	GetStepRun(ctx context.Context, stepRunID id.StepRunID) (*StepRun, error)

	// UpdateStepRun persists changes to an existing step run.
	UpdateStepRun(ctx context.Context, r *StepRun) error

	// ActiveStepRun returns the newest non-superseded run for a step, or
	// maestro.ErrStepRunNotFound if the step has never run.
	ActiveStepRun(ctx context.Context, workflowID id.WorkflowID, stepKey string) (*StepRun, error)

	// ListStepRuns returns every run of the instance in creation order,
	// superseded runs included.
	ListStepRuns(ctx context.Context, workflowID id.WorkflowID) ([]*StepRun, error)

	// CreateCompensationRun persists a new compensation run. At most one
	// may exist per (workflow, step key); a second create fails.
	CreateCompensationRun(ctx context.Context, c *CompensationRun) error

	// GetCompensationRun retrieves the compensation run for a step.
	// Returns maestro.ErrCompensationNotFound if absent.
	GetCompensationRun(ctx context.Context, workflowID id.WorkflowID, stepKey string) (*CompensationRun, error)

	// UpdateCompensationRun persists changes to a compensation run.
	UpdateCompensationRun(ctx context.Context, c *CompensationRun) error

	// ListCompensationRuns returns the instance's compensation runs in
	// creation order.
	ListCompensationRuns(ctx context.Context, workflowID id.WorkflowID) ([]*CompensationRun, error)

	// AppendBranchDecision records a branch pick.
	AppendBranchDecision(ctx context.Context, d *BranchDecision) error

	// ListBranchDecisions returns the instance's branch decisions in
	// creation order.
	ListBranchDecisions(ctx context.Context, workflowID id.WorkflowID) ([]*BranchDecision, error)

	// AppendPollAttempt records a probe execution.
	AppendPollAttempt(ctx context.Context, a *PollAttempt) error

	// LatestPollAttempt returns the newest attempt of a step run, or nil
	// if the run has none.
	LatestPollAttempt(ctx context.Context, stepRunID id.StepRunID) (*PollAttempt, error)

	// AppendResolution records an operator resolution.
	AppendResolution(ctx context.Context, d *ResolutionDecision) error

	// ListResolutions returns the instance's resolutions in creation
	// order.
	ListResolutions(ctx context.Context, workflowID id.WorkflowID) ([]*ResolutionDecision, error)

	// AppendTriggerPayload records a delivered trigger payload.
	AppendTriggerPayload(ctx context.Context, p *TriggerPayload) error

	// LatestTriggerPayload returns the newest payload delivered for a
	// trigger key, or nil if none has arrived.
	LatestTriggerPayload(ctx context.Context, workflowID id.WorkflowID, key string) (*TriggerPayload, error)

	// ListAwaitingTriggerPastDeadline returns paused instances whose
	// trigger deadline is at or before now. Used by the trigger timeout
	// sweep.
	ListAwaitingTriggerPastDeadline(ctx context.Context, now time.Time) ([]*Instance, error)
}
