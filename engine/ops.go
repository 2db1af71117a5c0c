package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/event"
	"github.com/noatudor/maestro/id"
	"github.com/noatudor/maestro/workflow"
)

// RetryMode selects whether a retry-from-step rolls back the affected
// steps before re-running them.
type RetryMode string

const (
	// RetryOnly supersedes the affected runs and re-dispatches
	// immediately.
	RetryOnly RetryMode = "retry_only"
	// CompensateThenRetry first compensates the affected succeeded
	// steps in reverse order, then re-dispatches from the target.
	CompensateThenRetry RetryMode = "compensate_then_retry"
)

// Pause parks a running workflow for operator intervention.
func (e *Engine) Pause(ctx context.Context, workflowID id.WorkflowID, reason string) error {
	err := e.withLockRetry(ctx, workflowID, func(_ context.Context, w *workflow.Instance) error {
		return w.Pause(reason)
	})
	if err != nil {
		return err
	}
	e.emitter.Emit(event.New(event.WorkflowPaused, workflowID).WithDetail("reason", reason))
	return nil
}

// Resume moves a paused workflow back to running and advances it. A
// workflow parked on a trigger re-parks unless the payload has arrived.
func (e *Engine) Resume(ctx context.Context, workflowID id.WorkflowID) error {
	err := e.withLockRetry(ctx, workflowID, func(_ context.Context, w *workflow.Instance) error {
		return w.Resume()
	})
	if err != nil {
		return err
	}
	e.emitter.Emit(event.New(event.WorkflowResumed, workflowID))
	return e.advancer.Run(ctx, workflowID)
}

// Cancel aborts a workflow. In-flight jobs are not killed; their
// completions become no-ops once the instance is terminal.
func (e *Engine) Cancel(ctx context.Context, workflowID id.WorkflowID) error {
	err := e.withLockRetry(ctx, workflowID, func(_ context.Context, w *workflow.Instance) error {
		return w.Cancel()
	})
	if err != nil {
		return err
	}
	e.emitter.Emit(event.New(event.WorkflowCancelled, workflowID))
	return nil
}

// Compensate starts reverse-order rollback of the workflow's completed
// steps, bounded by scope. stepKeys names the target step for
// CompensateFromStep and the explicit set for CompensatePartial.
func (e *Engine) Compensate(ctx context.Context, workflowID id.WorkflowID, scope workflow.CompensationScope, stepKeys ...string) error {
	err := e.withLockRetry(ctx, workflowID, func(_ context.Context, w *workflow.Instance) error {
		steps, err := e.compensationSteps(w, scope, stepKeys)
		if err != nil {
			return err
		}
		return w.BeginScopedCompensation(scope, steps, "")
	})
	if err != nil {
		return err
	}
	e.emitter.Emit(event.New(event.WorkflowCompensating, workflowID))
	return e.advancer.Run(ctx, workflowID)
}

// compensationSteps expands a scope into the concrete step keys it
// covers. Nil means every step.
func (e *Engine) compensationSteps(w *workflow.Instance, scope workflow.CompensationScope, stepKeys []string) ([]string, error) {
	switch scope {
	case "", workflow.CompensateAll:
		return nil, nil
	case workflow.CompensateFailedStepOnly:
		if w.FailedStepKey == "" {
			return nil, fmt.Errorf("maestro: workflow %s has no failed step to compensate", w.ID)
		}
		return []string{w.FailedStepKey}, nil
	case workflow.CompensateFromStep:
		if len(stepKeys) != 1 {
			return nil, fmt.Errorf("maestro: from_step compensation needs exactly one step key")
		}
		def, err := e.definitions.Get(w.DefinitionKey, w.DefinitionVersion)
		if err != nil {
			return nil, err
		}
		idx := def.StepIndex(stepKeys[0])
		if idx < 0 {
			return nil, fmt.Errorf("maestro: definition %s has no step %q", def.QualifiedKey(), stepKeys[0])
		}
		keys := make([]string, 0, len(def.Steps)-idx)
		for _, s := range def.Steps[idx:] {
			keys = append(keys, s.Key)
		}
		return keys, nil
	case workflow.CompensatePartial:
		if len(stepKeys) == 0 {
			return nil, fmt.Errorf("maestro: partial compensation needs at least one step key")
		}
		return stepKeys, nil
	default:
		return nil, fmt.Errorf("maestro: unknown compensation scope %q", scope)
	}
}

// RetryFrom rewinds a failed or paused workflow to the target step.
// RetryOnly supersedes every run at or after it, clears their outputs,
// and re-dispatches. CompensateThenRetry rolls the affected steps back
// first; the instance resumes at the target once rollback completes.
func (e *Engine) RetryFrom(ctx context.Context, workflowID id.WorkflowID, stepKey string, mode RetryMode) error {
	err := e.withLockRetry(ctx, workflowID, func(ctx context.Context, w *workflow.Instance) error {
		def, err := e.definitions.Get(w.DefinitionKey, w.DefinitionVersion)
		if err != nil {
			return err
		}
		idx := def.StepIndex(stepKey)
		if idx < 0 {
			return fmt.Errorf("maestro: definition %s has no step %q", def.QualifiedKey(), stepKey)
		}

		if mode == CompensateThenRetry {
			keys := make([]string, 0, len(def.Steps)-idx)
			for _, s := range def.Steps[idx:] {
				keys = append(keys, s.Key)
			}
			return w.BeginScopedCompensation(workflow.CompensateFromStep, keys, stepKey)
		}

		if err := e.advancer.retireStepsFrom(ctx, w, def, stepKey); err != nil {
			return err
		}
		return w.RetryFrom(stepKey)
	})
	if err != nil {
		return err
	}
	e.emitter.Emit(event.New(event.WorkflowResumed, workflowID).WithStep(stepKey).
		WithDetail("mode", string(mode)))
	return e.advancer.Run(ctx, workflowID)
}

// DeliverTrigger hands an external payload to a workflow parked on the
// trigger key, resumes it, and advances. A workflow not awaiting a
// trigger returns maestro.ErrNotAwaitingTrigger; a different awaited
// key returns maestro.ErrTriggerMismatch.
func (e *Engine) DeliverTrigger(ctx context.Context, workflowID id.WorkflowID, key string, payload []byte) error {
	err := e.withLockRetry(ctx, workflowID, func(ctx context.Context, w *workflow.Instance) error {
		if w.AwaitingTrigger == "" {
			return maestro.ErrNotAwaitingTrigger
		}
		if w.AwaitingTrigger != key {
			return fmt.Errorf("%w: awaiting %q, got %q", maestro.ErrTriggerMismatch, w.AwaitingTrigger, key)
		}
		if err := e.workflows.AppendTriggerPayload(ctx, workflow.NewTriggerPayload(w.ID, key, payload)); err != nil {
			return err
		}
		return w.Resume()
	})
	if err != nil {
		return err
	}
	e.emitter.Emit(event.New(event.TriggerDelivered, workflowID).WithDetail("trigger_key", key))
	return e.advancer.Run(ctx, workflowID)
}

// Resolve records an operator decision on a failed or paused workflow
// and performs it. retry_from needs a step key; the other actions
// ignore it.
func (e *Engine) Resolve(ctx context.Context, workflowID id.WorkflowID, action workflow.ResolutionAction, stepKey, actor, note string) error {
	decision := workflow.NewResolutionDecision(workflowID, action, stepKey, actor, note)
	if err := e.workflows.AppendResolution(ctx, decision); err != nil {
		return err
	}

	switch action {
	case workflow.ResolutionRetryFrom:
		return e.RetryFrom(ctx, workflowID, stepKey, RetryOnly)
	case workflow.ResolutionCompensate:
		return e.Compensate(ctx, workflowID, workflow.CompensateAll)
	case workflow.ResolutionResume:
		return e.Resume(ctx, workflowID)
	case workflow.ResolutionCancel:
		return e.Cancel(ctx, workflowID)
	default:
		return fmt.Errorf("maestro: unknown resolution action %q", action)
	}
}

// withLockRetry runs fn under the workflow row lock, retrying contended
// acquisitions with backoff.
func (e *Engine) withLockRetry(ctx context.Context, workflowID id.WorkflowID, fn func(ctx context.Context, w *workflow.Instance) error) error {
	attempt := 0
	for {
		err := e.workflows.WithLockedInstance(ctx, workflowID, fn)
		if !errors.Is(err, maestro.ErrWorkflowLocked) {
			return err
		}
		attempt++
		if attempt > e.cfg.AdvanceRetryAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.bo.Delay(attempt)):
		}
	}
}
