package workflow

import (
	"time"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/id"
)

// BranchDecision records the branch key picked at a branch-point step.
// Decisions are append-only; the latest one is the active branch.
type BranchDecision struct {
	maestro.Entity

	ID         id.BranchDecisionID `json:"id"`
	WorkflowID id.WorkflowID       `json:"workflow_id"`
	StepKey    string              `json:"step_key"`
	BranchKey  string              `json:"branch_key"`
}

// NewBranchDecision records a branch pick.
func NewBranchDecision(workflowID id.WorkflowID, stepKey, branchKey string) *BranchDecision {
	return &BranchDecision{
		Entity:     maestro.NewEntity(),
		ID:         id.NewBranchDecisionID(),
		WorkflowID: workflowID,
		StepKey:    stepKey,
		BranchKey:  branchKey,
	}
}

// PollAttempt records one probe execution of a polling step. The advancer
// reads the latest attempt of the active run to decide whether the step
// completed, should poll again, or timed out.
type PollAttempt struct {
	maestro.Entity

	ID         id.PollAttemptID `json:"id"`
	WorkflowID id.WorkflowID    `json:"workflow_id"`
	StepRunID  id.StepRunID     `json:"step_run_id"`
	// Number counts attempts of the run, from 1.
	Number int `json:"number"`
	// Complete is the probe's verdict; Output is its payload when
	// complete.
	Complete bool   `json:"complete"`
	Output   []byte `json:"output,omitempty"`
}

// NewPollAttempt records a probe execution.
func NewPollAttempt(workflowID id.WorkflowID, stepRunID id.StepRunID, number int, complete bool, output []byte) *PollAttempt {
	return &PollAttempt{
		Entity:     maestro.NewEntity(),
		ID:         id.NewPollAttemptID(),
		WorkflowID: workflowID,
		StepRunID:  stepRunID,
		Number:     number,
		Complete:   complete,
		Output:     output,
	}
}

// ResolutionAction is an operator decision on a failed or paused
// workflow.
type ResolutionAction string

const (
	// ResolutionRetryFrom retries the workflow from a step.
	ResolutionRetryFrom ResolutionAction = "retry_from"
	// ResolutionCompensate starts rollback.
	ResolutionCompensate ResolutionAction = "compensate"
	// ResolutionResume resumes a paused workflow as-is.
	ResolutionResume ResolutionAction = "resume"
	// ResolutionCancel cancels the workflow.
	ResolutionCancel ResolutionAction = "cancel"
)

// ResolutionDecision is the audit record of an operator resolution.
type ResolutionDecision struct {
	maestro.Entity

	ID         id.ResolutionID  `json:"id"`
	WorkflowID id.WorkflowID    `json:"workflow_id"`
	Action     ResolutionAction `json:"action"`
	// StepKey is set for retry_from actions.
	StepKey string `json:"step_key,omitempty"`
	Actor   string `json:"actor,omitempty"`
	Note    string `json:"note,omitempty"`
}

// NewResolutionDecision records an operator resolution.
func NewResolutionDecision(workflowID id.WorkflowID, action ResolutionAction, stepKey, actor, note string) *ResolutionDecision {
	return &ResolutionDecision{
		Entity:     maestro.NewEntity(),
		ID:         id.NewResolutionID(),
		WorkflowID: workflowID,
		Action:     action,
		StepKey:    stepKey,
		Actor:      actor,
		Note:       note,
	}
}

// TriggerPayload is an externally delivered payload that resumed a
// workflow parked on a trigger.
type TriggerPayload struct {
	maestro.Entity

	ID         id.TriggerPayloadID `json:"id"`
	WorkflowID id.WorkflowID       `json:"workflow_id"`
	Key        string              `json:"key"`
	Payload    []byte              `json:"payload,omitempty"`
	ReceivedAt time.Time           `json:"received_at"`
}

// NewTriggerPayload records a delivered trigger.
func NewTriggerPayload(workflowID id.WorkflowID, key string, payload []byte) *TriggerPayload {
	return &TriggerPayload{
		Entity:     maestro.NewEntity(),
		ID:         id.NewTriggerPayloadID(),
		WorkflowID: workflowID,
		Key:        key,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
}
