package maestro

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("maestro: no store configured")
	ErrStoreClosed = errors.New("maestro: store closed")

	// Not found errors.
	ErrWorkflowNotFound     = errors.New("maestro: workflow not found")
	ErrStepRunNotFound      = errors.New("maestro: step run not found")
	ErrJobNotFound          = errors.New("maestro: job record not found")
	ErrOutputMissing        = errors.New("maestro: required output missing")
	ErrDefinitionNotFound   = errors.New("maestro: definition not found")
	ErrCompensationNotFound = errors.New("maestro: compensation run not found")

	// Conflict errors.
	ErrDuplicateDefinition   = errors.New("maestro: definition already registered")
	ErrDuplicateCompensation = errors.New("maestro: compensation run already exists for step")

	// ErrNoHandler means a claimed record names a job class with no
	// registered handler or probe. Retrying cannot fix this.
	ErrNoHandler = errors.New("maestro: no handler registered for job class")

	// Locking errors. ErrWorkflowLocked is retryable: another advancement
	// holds the workflow row lock and callers should try again shortly.
	ErrWorkflowLocked = errors.New("maestro: workflow locked")
	ErrLockHeld       = errors.New("maestro: named lock held")

	// Trigger errors.
	ErrTriggerMismatch    = errors.New("maestro: trigger key does not match awaited trigger")
	ErrNotAwaitingTrigger = errors.New("maestro: workflow is not awaiting a trigger")
)

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrStepRunNotFound) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrOutputMissing) ||
		errors.Is(err, ErrDefinitionNotFound) ||
		errors.Is(err, ErrCompensationNotFound)
}

// InvalidTransitionError reports an attempted state change that violates
// an entity's transition table. The entity's observable state is unchanged
// after the failed attempt.
type InvalidTransitionError struct {
	Entity string // "workflow", "step", "job", "compensation"
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("maestro: invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// DependencyError reports a step whose declared required outputs were not
// present at dispatch time. This is a definition-level configuration error
// and is treated as a systemic failure, not retried.
type DependencyError struct {
	StepKey string
	Missing []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("maestro: step %q missing required outputs: %s",
		e.StepKey, strings.Join(e.Missing, ", "))
}

// ConditionError wraps any error raised by user-supplied condition logic
// (entry, branch, or termination conditions). Arbitrary user errors never
// propagate unwrapped through orchestration internals.
type ConditionError struct {
	Name  string
	Cause error
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("maestro: condition %q: %v", e.Name, e.Cause)
}

func (e *ConditionError) Unwrap() error { return e.Cause }

// ValidationIssue is a single definition validation failure with a
// machine-readable code and the offending step key when applicable.
type ValidationIssue struct {
	Code    string
	StepKey string
	Message string
}

func (i ValidationIssue) String() string {
	if i.StepKey == "" {
		return fmt.Sprintf("%s: %s", i.Code, i.Message)
	}
	return fmt.Sprintf("%s (step %q): %s", i.Code, i.StepKey, i.Message)
}

// ValidationError aggregates every issue found while validating a
// definition. Validation is not fail-fast: all issues are collected.
type ValidationError struct {
	DefinitionKey string
	Issues        []ValidationIssue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.String()
	}
	return fmt.Sprintf("maestro: definition %q invalid: %s",
		e.DefinitionKey, strings.Join(msgs, "; "))
}
