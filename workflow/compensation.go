package workflow

import (
	"time"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/id"
)

// CompensationScope selects which steps a rollback covers.
type CompensationScope string

const (
	// CompensateAll rolls back every compensable step.
	CompensateAll CompensationScope = "all"
	// CompensateFailedStepOnly rolls back only the failed step.
	CompensateFailedStepOnly CompensationScope = "failed_step_only"
	// CompensateFromStep rolls back steps at or after a step key.
	CompensateFromStep CompensationScope = "from_step"
	// CompensatePartial rolls back an explicit list of steps.
	CompensatePartial CompensationScope = "partial"
)

// CompensationStatus is the lifecycle state of a compensation run.
type CompensationStatus string

const (
	// CompensationPending means the rollback has not been dispatched.
	CompensationPending CompensationStatus = "pending"
	// CompensationRunning means the rollback job is executing.
	CompensationRunning CompensationStatus = "running"
	// CompensationSucceeded means the rollback completed. Terminal.
	CompensationSucceeded CompensationStatus = "succeeded"
	// CompensationFailed means the rollback failed. It can be retried.
	CompensationFailed CompensationStatus = "failed"
	// CompensationSkipped means the step needed no rollback, either
	// because it declares none or an operator skipped it. Terminal.
	CompensationSkipped CompensationStatus = "skipped"
)

var compensationTransitions = map[CompensationStatus][]CompensationStatus{
	CompensationPending: {CompensationRunning, CompensationSkipped},
	CompensationRunning: {CompensationSucceeded, CompensationFailed},
	CompensationFailed:  {CompensationRunning, CompensationSkipped},
}

// CanTransitionTo reports whether the transition s -> to is legal.
func (s CompensationStatus) CanTransitionTo(to CompensationStatus) bool {
	for _, allowed := range compensationTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the compensation is finished for good.
func (s CompensationStatus) Terminal() bool {
	return s == CompensationSucceeded || s == CompensationSkipped
}

// CompensationRun tracks the rollback of one compensable step. At most
// one exists per (workflow, step key); re-attempts increment Attempt on
// the same run rather than creating a new one, so rollback never executes
// twice for a step that already compensated.
type CompensationRun struct {
	maestro.Entity

	ID         id.CompensationID  `json:"id"`
	WorkflowID id.WorkflowID      `json:"workflow_id"`
	StepKey    string             `json:"step_key"`
	JobClass   string             `json:"job_class"`
	Status     CompensationStatus `json:"status"`

	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`

	FailureMessage string     `json:"failure_message,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// NewCompensationRun creates a pending rollback for a step.
func NewCompensationRun(workflowID id.WorkflowID, stepKey, jobClass string, maxAttempts int) *CompensationRun {
	return &CompensationRun{
		Entity:      maestro.NewEntity(),
		ID:          id.NewCompensationID(),
		WorkflowID:  workflowID,
		StepKey:     stepKey,
		JobClass:    jobClass,
		Status:      CompensationPending,
		MaxAttempts: maxAttempts,
	}
}

func (c *CompensationRun) transition(to CompensationStatus) error {
	if !c.Status.CanTransitionTo(to) {
		return &maestro.InvalidTransitionError{
			Entity: "compensation",
			From:   string(c.Status),
			To:     string(to),
		}
	}
	c.Status = to
	c.Touch()
	return nil
}

// Begin starts or re-attempts the rollback, incrementing Attempt.
func (c *CompensationRun) Begin() error {
	if err := c.transition(CompensationRunning); err != nil {
		return err
	}
	c.Attempt++
	return nil
}

// Succeed completes the rollback.
func (c *CompensationRun) Succeed() error {
	if err := c.transition(CompensationSucceeded); err != nil {
		return err
	}
	now := time.Now().UTC()
	c.CompletedAt = &now
	return nil
}

// Fail records a rollback failure. The run stays retryable.
func (c *CompensationRun) Fail(message string) error {
	if err := c.transition(CompensationFailed); err != nil {
		return err
	}
	c.FailureMessage = message
	return nil
}

// Skip marks the rollback as not needed.
func (c *CompensationRun) Skip() error {
	if err := c.transition(CompensationSkipped); err != nil {
		return err
	}
	now := time.Now().UTC()
	c.CompletedAt = &now
	return nil
}

// Exhausted reports whether the attempt budget is spent.
func (c *CompensationRun) Exhausted() bool {
	return c.MaxAttempts > 0 && c.Attempt >= c.MaxAttempts
}
