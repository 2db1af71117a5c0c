// Package workflow models durable workflow instances and their step and
// compensation runs: state machines with guarded transitions, the decision
// records the engine appends while advancing, and the persistence contract
// the engine drives them through.
package workflow

import (
	"time"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/definition"
	"github.com/noatudor/maestro/id"
)

// State is the lifecycle state of a workflow instance.
type State string

const (
	// StatePending means the instance exists but has not started.
	StatePending State = "pending"
	// StateRunning means steps are being dispatched and executed.
	StateRunning State = "running"
	// StatePaused means the instance is parked: a failure policy paused
	// it, an operator paused it, or a step is awaiting an external
	// trigger. Only a resume, fail, or cancel moves it on.
	StatePaused State = "paused"
	// StateSucceeded means every step completed. Terminal.
	StateSucceeded State = "succeeded"
	// StateFailed means a step failed terminally. Recoverable: the
	// instance can be retried from a step or compensated.
	StateFailed State = "failed"
	// StateCancelled means an operator aborted the instance. Terminal.
	StateCancelled State = "cancelled"
	// StateCompensating means rollback jobs are executing in reverse
	// step order. It returns to running only when a retry-from-step
	// requested compensation first.
	StateCompensating State = "compensating"
	// StateCompensated means every applicable rollback succeeded or was
	// skipped. Terminal.
	StateCompensated State = "compensated"
	// StateCompensationFailed means a rollback job failed terminally.
	// Compensation can be re-attempted.
	StateCompensationFailed State = "compensation_failed"
)

// workflowTransitions is the full transition relation. Anything absent
// is rejected.
var workflowTransitions = map[State][]State{
	StatePending:            {StateRunning, StateCancelled},
	StateRunning:            {StatePaused, StateSucceeded, StateFailed, StateCancelled, StateCompensating},
	StatePaused:             {StateRunning, StateFailed, StateCancelled},
	StateFailed:             {StateRunning, StateCompensating, StateCancelled},
	StateCompensating:       {StateCompensated, StateCompensationFailed, StateRunning},
	StateCompensationFailed: {StateCompensating, StateCancelled},
}

// CanTransitionTo reports whether the transition s -> to is legal.
func (s State) CanTransitionTo(to State) bool {
	for _, allowed := range workflowTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateCancelled, StateCompensated:
		return true
	}
	return false
}

// Instance is a single durable execution of a definition. It records
// which step the engine is positioned at, the active branch if a branch
// point has been decided, trigger-await bookkeeping, and failure details.
// All state changes go through the guarded transition methods; callers
// persist the instance after mutating it.
type Instance struct {
	maestro.Entity

	ID                id.WorkflowID      `json:"id"`
	DefinitionKey     string             `json:"definition_key"`
	DefinitionVersion definition.Version `json:"definition_version"`
	State             State              `json:"state"`

	// CurrentStepKey is the step the engine is positioned at: the step
	// being executed while running, or the step to dispatch next.
	CurrentStepKey string `json:"current_step_key,omitempty"`
	// ActiveBranch is the branch key picked by the most recent branch
	// decision. Steps on other branches are skipped.
	ActiveBranch string `json:"active_branch,omitempty"`

	// AwaitingTrigger is the trigger key the instance is parked on, set
	// only while paused for an external trigger.
	AwaitingTrigger string     `json:"awaiting_trigger,omitempty"`
	TriggerDeadline *time.Time `json:"trigger_deadline,omitempty"`

	// PauseReason describes why the instance is paused.
	PauseReason string `json:"pause_reason,omitempty"`

	// FailedStepKey and FailureMessage describe the terminal step failure
	// that moved the instance to failed.
	FailedStepKey  string `json:"failed_step_key,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`

	// CompensationScope and CompensationSteps bound an in-flight
	// rollback. An empty step list rolls back every compensable step.
	CompensationScope CompensationScope `json:"compensation_scope,omitempty"`
	CompensationSteps []string          `json:"compensation_steps,omitempty"`
	// PendingRetryStep, when set, resumes the instance at this step
	// after compensation completes instead of ending it compensated.
	PendingRetryStep string `json:"pending_retry_step,omitempty"`

	// AutoRetryCount counts workflow-level automatic retries consumed.
	AutoRetryCount int `json:"auto_retry_count,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewInstance creates a pending instance of a definition.
func NewInstance(def *definition.Definition) *Instance {
	return &Instance{
		Entity:            maestro.NewEntity(),
		ID:                id.NewWorkflowID(),
		DefinitionKey:     def.Key,
		DefinitionVersion: def.Version,
		State:             StatePending,
	}
}

func (w *Instance) transition(to State) error {
	if !w.State.CanTransitionTo(to) {
		return &maestro.InvalidTransitionError{
			Entity: "workflow",
			From:   string(w.State),
			To:     string(to),
		}
	}
	w.State = to
	w.Touch()
	return nil
}

// Start moves a pending instance to running, positioned at firstStepKey.
func (w *Instance) Start(firstStepKey string) error {
	if err := w.transition(StateRunning); err != nil {
		return err
	}
	now := time.Now().UTC()
	w.StartedAt = &now
	w.CurrentStepKey = firstStepKey
	return nil
}

// Pause parks a running instance with a reason.
func (w *Instance) Pause(reason string) error {
	if err := w.transition(StatePaused); err != nil {
		return err
	}
	w.PauseReason = reason
	return nil
}

// AwaitTrigger parks a running instance until an external payload arrives
// for key. A nil deadline waits indefinitely.
func (w *Instance) AwaitTrigger(key string, deadline *time.Time) error {
	if err := w.Pause("awaiting trigger " + key); err != nil {
		return err
	}
	w.AwaitingTrigger = key
	w.TriggerDeadline = deadline
	return nil
}

// Resume moves a paused instance back to running and clears pause and
// trigger bookkeeping.
func (w *Instance) Resume() error {
	if err := w.transition(StateRunning); err != nil {
		return err
	}
	w.PauseReason = ""
	w.AwaitingTrigger = ""
	w.TriggerDeadline = nil
	return nil
}

// Succeed completes the instance.
func (w *Instance) Succeed() error {
	if err := w.transition(StateSucceeded); err != nil {
		return err
	}
	now := time.Now().UTC()
	w.CompletedAt = &now
	w.CurrentStepKey = ""
	return nil
}

// Fail records a terminal step failure.
func (w *Instance) Fail(stepKey, message string) error {
	if err := w.transition(StateFailed); err != nil {
		return err
	}
	w.FailedStepKey = stepKey
	w.FailureMessage = message
	return nil
}

// Cancel aborts the instance.
func (w *Instance) Cancel() error {
	if err := w.transition(StateCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	w.CompletedAt = &now
	return nil
}

// BeginCompensation starts reverse-order rollback of every compensable
// step. Legal from running, failed, and compensation_failed.
func (w *Instance) BeginCompensation() error {
	return w.BeginScopedCompensation(CompensateAll, nil, "")
}

// BeginScopedCompensation starts rollback limited to the given steps.
// A non-empty pendingRetry resumes the instance there once rollback
// completes, instead of ending it compensated.
func (w *Instance) BeginScopedCompensation(scope CompensationScope, steps []string, pendingRetry string) error {
	if err := w.transition(StateCompensating); err != nil {
		return err
	}
	if scope == "" {
		scope = CompensateAll
	}
	w.CompensationScope = scope
	w.CompensationSteps = steps
	w.PendingRetryStep = pendingRetry
	return nil
}

// CompleteCompensation records that every applicable rollback finished.
func (w *Instance) CompleteCompensation() error {
	if err := w.transition(StateCompensated); err != nil {
		return err
	}
	now := time.Now().UTC()
	w.CompletedAt = &now
	w.CompensationScope = ""
	w.CompensationSteps = nil
	w.PendingRetryStep = ""
	return nil
}

// FailCompensation records a terminal rollback failure.
func (w *Instance) FailCompensation(stepKey, message string) error {
	if err := w.transition(StateCompensationFailed); err != nil {
		return err
	}
	w.FailedStepKey = stepKey
	w.FailureMessage = message
	return nil
}

// RetryFrom rewinds a failed, paused, or post-compensation instance to
// stepKey and resumes running. Failure details are cleared; the
// auto-retry counter is not.
func (w *Instance) RetryFrom(stepKey string) error {
	if err := w.transition(StateRunning); err != nil {
		return err
	}
	w.CurrentStepKey = stepKey
	w.FailedStepKey = ""
	w.FailureMessage = ""
	w.PauseReason = ""
	w.AwaitingTrigger = ""
	w.TriggerDeadline = nil
	w.CompensationScope = ""
	w.CompensationSteps = nil
	w.PendingRetryStep = ""
	return nil
}

// AdvanceTo repositions a running instance at the next step.
func (w *Instance) AdvanceTo(stepKey string) {
	w.CurrentStepKey = stepKey
	w.Touch()
}

// DecideBranch records the active branch key.
func (w *Instance) DecideBranch(branchKey string) {
	w.ActiveBranch = branchKey
	w.Touch()
}
