package workflow

import (
	"time"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/id"
)

// StepState is the lifecycle state of a step run.
type StepState string

const (
	// StepPending means the run exists but no job has been dispatched.
	StepPending StepState = "pending"
	// StepRunning means at least one job is dispatched or executing.
	StepRunning StepState = "running"
	// StepPolling means the step is between poll probes, waiting for the
	// next future-dated probe job to run.
	StepPolling StepState = "polling"
	// StepSucceeded means the run completed. Terminal unless superseded.
	StepSucceeded StepState = "succeeded"
	// StepFailed means the run failed terminally. Terminal unless
	// superseded.
	StepFailed StepState = "failed"
	// StepTimedOut means a polling run exhausted its budget. Terminal
	// unless superseded.
	StepTimedOut StepState = "timed_out"
	// StepSkipped means an entry condition, branch decision, or skip
	// policy bypassed the step. Terminal unless superseded.
	StepSkipped StepState = "skipped"
	// StepSuperseded means a newer run for the same step replaced this
	// one (step retry or retry-from-step). Strictly terminal.
	StepSuperseded StepState = "superseded"
)

var stepTransitions = map[StepState][]StepState{
	StepPending:   {StepRunning, StepPolling, StepSkipped, StepSuperseded},
	StepRunning:   {StepSucceeded, StepFailed, StepSuperseded},
	StepPolling:   {StepRunning, StepSucceeded, StepFailed, StepTimedOut, StepSuperseded},
	StepSucceeded: {StepSuperseded},
	StepFailed:    {StepSuperseded},
	StepTimedOut:  {StepSuperseded},
	StepSkipped:   {StepSuperseded},
}

// CanTransitionTo reports whether the transition s -> to is legal.
func (s StepState) CanTransitionTo(to StepState) bool {
	for _, allowed := range stepTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the run is finished. Terminal runs other than
// superseded ones may still be superseded by a retry.
func (s StepState) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepTimedOut, StepSkipped, StepSuperseded:
		return true
	}
	return false
}

// StepRun is one attempt at executing a definition step within a workflow
// instance. Retries create fresh runs; the replaced run is superseded, so
// the full attempt history stays queryable.
type StepRun struct {
	maestro.Entity

	ID         id.StepRunID  `json:"id"`
	WorkflowID id.WorkflowID `json:"workflow_id"`
	StepKey    string        `json:"step_key"`
	State      StepState     `json:"state"`

	// Attempt numbers runs of the same step within the instance, from 1.
	Attempt int `json:"attempt"`

	// Job tallies, maintained by the finalizer as jobs reach terminal
	// states. JobsTotal is fixed at dispatch for fan-out steps.
	JobsTotal     int `json:"jobs_total"`
	JobsSucceeded int `json:"jobs_succeeded"`
	JobsFailed    int `json:"jobs_failed"`

	// PollCount counts completed poll probes for polling steps.
	PollCount int `json:"poll_count,omitempty"`

	// SupersededBy links to the run that replaced this one.
	SupersededBy *id.StepRunID `json:"superseded_by,omitempty"`

	FailureMessage string     `json:"failure_message,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// NewStepRun creates a pending run for a step.
func NewStepRun(workflowID id.WorkflowID, stepKey string, attempt int) *StepRun {
	return &StepRun{
		Entity:     maestro.NewEntity(),
		ID:         id.NewStepRunID(),
		WorkflowID: workflowID,
		StepKey:    stepKey,
		State:      StepPending,
		Attempt:    attempt,
	}
}

func (r *StepRun) transition(to StepState) error {
	if !r.State.CanTransitionTo(to) {
		return &maestro.InvalidTransitionError{
			Entity: "step",
			From:   string(r.State),
			To:     string(to),
		}
	}
	r.State = to
	r.Touch()
	return nil
}

// Begin moves a pending run to running with the number of jobs dispatched.
func (r *StepRun) Begin(jobsTotal int) error {
	if err := r.transition(StepRunning); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.StartedAt = &now
	r.JobsTotal = jobsTotal
	return nil
}

// BeginPolling moves a pending run into the polling state. The run stays
// polling across probe dispatches until the probe reports completion or
// the budget runs out.
func (r *StepRun) BeginPolling() error {
	if err := r.transition(StepPolling); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.StartedAt = &now
	r.JobsTotal = 1
	return nil
}

// ResumePolling moves a polling run back to running for the next probe.
func (r *StepRun) ResumePolling() error {
	return r.transition(StepRunning)
}

// Succeed completes the run.
func (r *StepRun) Succeed() error {
	if err := r.transition(StepSucceeded); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.CompletedAt = &now
	return nil
}

// Fail terminates the run with a failure message.
func (r *StepRun) Fail(message string) error {
	if err := r.transition(StepFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.CompletedAt = &now
	r.FailureMessage = message
	return nil
}

// TimeOut terminates a polling run whose budget is exhausted.
func (r *StepRun) TimeOut() error {
	if err := r.transition(StepTimedOut); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.CompletedAt = &now
	return nil
}

// Skip bypasses the run without executing any job.
func (r *StepRun) Skip() error {
	if err := r.transition(StepSkipped); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.CompletedAt = &now
	return nil
}

// Supersede marks the run replaced by a newer attempt. A nil id leaves
// SupersededBy unset, used when runs are retired by retry-from-step before
// their replacement exists.
func (r *StepRun) Supersede(by id.StepRunID) error {
	if err := r.transition(StepSuperseded); err != nil {
		return err
	}
	if !by.IsNil() {
		r.SupersededBy = &by
	}
	if r.CompletedAt == nil {
		now := time.Now().UTC()
		r.CompletedAt = &now
	}
	return nil
}
