package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/backoff"
	"github.com/noatudor/maestro/definition"
	"github.com/noatudor/maestro/event"
	"github.com/noatudor/maestro/id"
	"github.com/noatudor/maestro/job"
	"github.com/noatudor/maestro/output"
	"github.com/noatudor/maestro/workflow"
)

// Outcome describes what a single Evaluate call did.
type Outcome string

const (
	// OutcomeNone means there was nothing to do: the instance is
	// terminal, paused, failed awaiting resolution, or waiting on
	// outstanding jobs.
	OutcomeNone Outcome = "none"
	// OutcomeStarted means a pending instance began running.
	OutcomeStarted Outcome = "started"
	// OutcomeStepDispatched means a step run was created and its jobs
	// written to the ledger.
	OutcomeStepDispatched Outcome = "step_dispatched"
	// OutcomeStepSkipped means the current step was bypassed and the
	// instance repositioned.
	OutcomeStepSkipped Outcome = "step_skipped"
	// OutcomeAwaitingTrigger means the instance parked paused on an
	// external trigger instead of dispatching.
	OutcomeAwaitingTrigger Outcome = "awaiting_trigger"
	// OutcomePollScheduled means the next probe was future-dated into
	// the ledger.
	OutcomePollScheduled Outcome = "poll_scheduled"
	// OutcomeStepSucceeded means the current step finalized successfully
	// and the instance repositioned at the next step.
	OutcomeStepSucceeded Outcome = "step_succeeded"
	// OutcomeStepRetried means a failed run was superseded by a fresh
	// attempt with delayed jobs.
	OutcomeStepRetried Outcome = "step_retried"
	// OutcomeStepTimedOut means a polling run exhausted its budget and
	// the instance moved past it with the default output.
	OutcomeStepTimedOut Outcome = "step_timed_out"
	// OutcomeWorkflowSucceeded, OutcomeWorkflowFailed, and
	// OutcomeWorkflowPaused mean the call moved the instance itself.
	OutcomeWorkflowSucceeded Outcome = "workflow_succeeded"
	OutcomeWorkflowFailed    Outcome = "workflow_failed"
	OutcomeWorkflowPaused    Outcome = "workflow_paused"
	// OutcomeCompensationDispatched means a rollback job was written to
	// the ledger.
	OutcomeCompensationDispatched Outcome = "compensation_dispatched"
	// OutcomeCompensationAdvanced means a rollback finished or was
	// skipped and an earlier step is next.
	OutcomeCompensationAdvanced Outcome = "compensation_advanced"
	// OutcomeWorkflowCompensated and OutcomeWorkflowCompensationFailed
	// mean rollback reached a terminal workflow state.
	OutcomeWorkflowCompensated        Outcome = "workflow_compensated"
	OutcomeWorkflowCompensationFailed Outcome = "workflow_compensation_failed"
)

// Final reports whether another Evaluate call could make further
// progress right now. Non-final outcomes reposition the instance and
// expect an immediate re-invocation.
func (o Outcome) Final() bool {
	switch o {
	case OutcomeStarted, OutcomeStepSkipped, OutcomeStepSucceeded, OutcomeStepTimedOut, OutcomeCompensationAdvanced:
		return false
	}
	return true
}

// Advancer is the single entry point for moving a workflow instance
// forward. Every call acquires the per-workflow row lock, performs at
// most one forward transition, and releases the lock on all paths.
// Calls on terminal, paused, or failed instances are idempotent no-ops.
type Advancer struct {
	workflows   workflow.Store
	jobs        job.Store
	outputs     *output.Service
	definitions *definition.Registry
	resolver    *definition.Resolver
	emitter     event.Emitter
	logger      *slog.Logger
	backoff     backoff.Strategy
	maxRetries  int
}

// NewAdvancer wires an Advancer. The backoff strategy spaces retries
// when the workflow row lock is contended.
func NewAdvancer(workflows workflow.Store, jobs job.Store, outputs *output.Service, definitions *definition.Registry, resolver *definition.Resolver, emitter event.Emitter, logger *slog.Logger, strategy backoff.Strategy, maxRetries int) *Advancer {
	if emitter == nil {
		emitter = event.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if strategy == nil {
		strategy = backoff.DefaultStrategy()
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Advancer{
		workflows:   workflows,
		jobs:        jobs,
		outputs:     outputs,
		definitions: definitions,
		resolver:    resolver,
		emitter:     emitter,
		logger:      logger,
		backoff:     strategy,
		maxRetries:  maxRetries,
	}
}

// Evaluate performs at most one forward transition on the instance.
// Returns maestro.ErrWorkflowLocked without waiting when another
// advancement holds the row lock.
func (a *Advancer) Evaluate(ctx context.Context, workflowID id.WorkflowID) (Outcome, error) {
	outcome := OutcomeNone
	var pending []event.Event

	err := a.workflows.WithLockedInstance(ctx, workflowID, func(ctx context.Context, w *workflow.Instance) error {
		o, evs, err := a.evaluateLocked(ctx, w)
		if err != nil {
			return err
		}
		outcome = o
		pending = evs
		return nil
	})
	if err != nil {
		return OutcomeNone, err
	}

	for _, e := range pending {
		a.emitter.Emit(e)
	}
	if outcome != OutcomeNone {
		a.logger.Debug("workflow advanced",
			slog.String("workflow_id", workflowID.String()),
			slog.String("outcome", string(outcome)))
	}
	return outcome, nil
}

// Run re-invokes Evaluate until the instance cannot make further
// progress, retrying contended lock acquisitions with backoff.
func (a *Advancer) Run(ctx context.Context, workflowID id.WorkflowID) error {
	attempt := 0
	for {
		outcome, err := a.Evaluate(ctx, workflowID)
		if errors.Is(err, maestro.ErrWorkflowLocked) {
			attempt++
			if attempt > a.maxRetries {
				return fmt.Errorf("engine: workflow %s: lock contended after %d attempts: %w", workflowID, attempt, err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.backoff.Delay(attempt)):
			}
			continue
		}
		if err != nil {
			return err
		}
		attempt = 0
		if outcome.Final() {
			return nil
		}
	}
}

// evaluateLocked dispatches on the instance state. It runs under the
// row lock; mutations to w are persisted by the store when it returns
// nil. Events are returned rather than emitted so a discarded mutation
// never produces a notification.
func (a *Advancer) evaluateLocked(ctx context.Context, w *workflow.Instance) (Outcome, []event.Event, error) {
	if w.State.Terminal() {
		return OutcomeNone, nil, nil
	}

	switch w.State {
	case workflow.StatePending:
		return a.startLocked(ctx, w)
	case workflow.StateRunning:
		return a.stepLocked(ctx, w)
	case workflow.StateCompensating:
		return a.compensateLocked(ctx, w)
	default:
		// Paused instances wait for a trigger or operator; failed and
		// compensation_failed instances wait for resolution or the
		// auto-retry sweep.
		return OutcomeNone, nil, nil
	}
}

// startLocked moves a pending instance to running at the first step.
func (a *Advancer) startLocked(_ context.Context, w *workflow.Instance) (Outcome, []event.Event, error) {
	def, err := a.definitionFor(w)
	if err != nil {
		return OutcomeNone, nil, err
	}
	first, ok := def.FirstStep()
	if !ok {
		return OutcomeNone, nil, fmt.Errorf("engine: definition %s has no steps", def.QualifiedKey())
	}
	if err := w.Start(first.Key); err != nil {
		return OutcomeNone, nil, err
	}
	return OutcomeStarted, []event.Event{event.New(event.WorkflowStarted, w.ID)}, nil
}

// stepLocked advances the step the instance is positioned at: dispatch
// when it has no active run, otherwise finalize what the workers left.
func (a *Advancer) stepLocked(ctx context.Context, w *workflow.Instance) (Outcome, []event.Event, error) {
	def, err := a.definitionFor(w)
	if err != nil {
		return OutcomeNone, nil, err
	}
	step, ok := def.StepByKey(w.CurrentStepKey)
	if !ok {
		return OutcomeNone, nil, fmt.Errorf("engine: workflow %s positioned at unknown step %q", w.ID, w.CurrentStepKey)
	}

	run, err := a.workflows.ActiveStepRun(ctx, w.ID, step.Key)
	if errors.Is(err, maestro.ErrStepRunNotFound) {
		return a.dispatchStep(ctx, w, def, step)
	}
	if err != nil {
		return OutcomeNone, nil, err
	}

	switch run.State {
	case workflow.StepRunning:
		return a.finalizeRunning(ctx, w, def, step, run)
	case workflow.StepPolling:
		return a.advancePolling(ctx, w, def, step, run)
	case workflow.StepSucceeded, workflow.StepSkipped:
		// Finalized but the instance did not reposition (crash between
		// run and instance persistence). Redo the positioning only.
		return a.advancePosition(ctx, w, def, step, nil)
	case workflow.StepFailed, workflow.StepTimedOut:
		// Same redo path as above: the run already settled, the policy
		// was not applied. The step's failure event was emitted then.
		return a.applyFailurePolicy(ctx, w, def, step, run, nil)
	default:
		// Pending runs exist only transiently inside dispatch.
		return OutcomeNone, nil, nil
	}
}

// advancePosition moves the instance past a finished current step:
// next step, or workflow success when it was the last. Events for the
// finished step are passed through.
func (a *Advancer) advancePosition(_ context.Context, w *workflow.Instance, def *definition.Definition, step *definition.Step, evs []event.Event) (Outcome, []event.Event, error) {
	next, ok := def.NextStep(step.Key)
	if !ok {
		if err := w.Succeed(); err != nil {
			return OutcomeNone, nil, err
		}
		evs = append(evs, event.New(event.WorkflowSucceeded, w.ID))
		return OutcomeWorkflowSucceeded, evs, nil
	}
	w.AdvanceTo(next.Key)
	return OutcomeStepSucceeded, evs, nil
}
