// Package event defines the lifecycle events the engine emits as
// workflows, steps, and jobs change state, and the in-process bus that
// fans them out to subscribers. Emission is fire-and-forget: a slow or
// failing subscriber never blocks advancement.
package event

import (
	"time"

	"github.com/noatudor/maestro/id"
)

// Type names a lifecycle event.
type Type string

const (
	WorkflowStarted      Type = "workflow.started"
	WorkflowPaused       Type = "workflow.paused"
	WorkflowResumed      Type = "workflow.resumed"
	WorkflowSucceeded    Type = "workflow.succeeded"
	WorkflowFailed       Type = "workflow.failed"
	WorkflowCancelled    Type = "workflow.cancelled"
	WorkflowCompensating Type = "workflow.compensating"
	WorkflowCompensated  Type = "workflow.compensated"

	StepDispatched Type = "step.dispatched"
	StepSucceeded  Type = "step.succeeded"
	StepFailed     Type = "step.failed"
	StepSkipped    Type = "step.skipped"
	StepTimedOut   Type = "step.timed_out"
	StepSuperseded Type = "step.superseded"

	JobDispatched Type = "job.dispatched"
	JobSucceeded  Type = "job.succeeded"
	JobFailed     Type = "job.failed"

	PollAttempted    Type = "poll.attempted"
	BranchDecided    Type = "branch.decided"
	TriggerDelivered Type = "trigger.delivered"
	TriggerReminder  Type = "trigger.reminder"

	CompensationStarted   Type = "compensation.started"
	CompensationSucceeded Type = "compensation.succeeded"
	CompensationFailed    Type = "compensation.failed"
)

// Event is one lifecycle notification.
type Event struct {
	Type       Type          `json:"type"`
	WorkflowID id.WorkflowID `json:"workflow_id"`
	StepKey    string        `json:"step_key,omitempty"`
	JobID      id.JobID      `json:"job_id,omitempty"`
	At         time.Time     `json:"at"`
	// Detail carries event-specific context: branch keys, failure
	// messages, poll numbers.
	Detail map[string]any `json:"detail,omitempty"`
}

// New creates an event stamped with the current time.
func New(t Type, workflowID id.WorkflowID) Event {
	return Event{Type: t, WorkflowID: workflowID, At: time.Now().UTC()}
}

// WithStep returns a copy of the event carrying a step key.
func (e Event) WithStep(stepKey string) Event {
	e.StepKey = stepKey
	return e
}

// WithJob returns a copy of the event carrying a job id.
func (e Event) WithJob(jobID id.JobID) Event {
	e.JobID = jobID
	return e
}

// WithDetail returns a copy of the event with a detail entry added.
func (e Event) WithDetail(key string, value any) Event {
	detail := make(map[string]any, len(e.Detail)+1)
	for k, v := range e.Detail {
		detail[k] = v
	}
	detail[key] = value
	e.Detail = detail
	return e
}

// Emitter receives lifecycle events. Implementations must not block.
type Emitter interface {
	Emit(e Event)
}

// Nop is an Emitter that discards everything.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}
