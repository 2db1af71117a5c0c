package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/backoff"
	"github.com/noatudor/maestro/definition"
	"github.com/noatudor/maestro/event"
	"github.com/noatudor/maestro/job"
	"github.com/noatudor/maestro/workflow"
)

// finalizeRunning checks whether every job of a running step run has
// reached a terminal state and, if so, settles the run: success
// criteria for fan-outs, exact success for single jobs.
func (a *Advancer) finalizeRunning(ctx context.Context, w *workflow.Instance, def *definition.Definition, step *definition.Step, run *workflow.StepRun) (Outcome, []event.Event, error) {
	records, err := a.stepRecords(ctx, run, job.PurposeStep)
	if err != nil {
		return OutcomeNone, nil, err
	}

	var succeeded, failed []*job.Record
	for _, rec := range records {
		switch rec.State {
		case job.StateSucceeded:
			succeeded = append(succeeded, rec)
		case job.StateFailed:
			failed = append(failed, rec)
		default:
			return OutcomeNone, nil, nil
		}
	}
	if len(records) < run.JobsTotal {
		return OutcomeNone, nil, nil
	}

	run.JobsSucceeded = len(succeeded)
	run.JobsFailed = len(failed)

	ok := len(failed) == 0
	if step.Kind == definition.KindFanOut {
		ok = step.Criteria.Evaluate(len(succeeded), run.JobsTotal)
	}
	partial := false
	if !ok && step.Kind == definition.KindFanOut && step.EffectivePolicy() == definition.ContinueWithPartial {
		ok = true
		partial = true
	}

	if ok {
		if err := a.writeOutputs(ctx, w, step, succeeded); err != nil {
			return OutcomeNone, nil, err
		}
		if err := run.Succeed(); err != nil {
			return OutcomeNone, nil, err
		}
		if err := a.workflows.UpdateStepRun(ctx, run); err != nil {
			return OutcomeNone, nil, err
		}
		ev := event.New(event.StepSucceeded, w.ID).WithStep(step.Key).
			WithDetail("jobs_succeeded", len(succeeded)).
			WithDetail("jobs_failed", len(failed))
		if partial {
			ev = ev.WithDetail("partial", true)
		}
		return a.afterStepSuccess(ctx, w, def, step, []event.Event{ev})
	}

	msg := "all jobs failed"
	if len(failed) > 0 {
		msg = failed[0].FailureMessage
	}
	if err := run.Fail(msg); err != nil {
		return OutcomeNone, nil, err
	}
	if err := a.workflows.UpdateStepRun(ctx, run); err != nil {
		return OutcomeNone, nil, err
	}
	ev := event.New(event.StepFailed, w.ID).WithStep(step.Key).
		WithDetail("message", msg).
		WithDetail("jobs_failed", len(failed))
	return a.applyFailurePolicy(ctx, w, def, step, run, []event.Event{ev})
}

// afterStepSuccess runs the post-success hooks on a settled step:
// termination condition, branch decision, then repositioning.
func (a *Advancer) afterStepSuccess(ctx context.Context, w *workflow.Instance, def *definition.Definition, step *definition.Step, evs []event.Event) (Outcome, []event.Event, error) {
	if step.TerminationCondition == "" && step.BranchCondition == "" {
		return a.advancePosition(ctx, w, def, step, evs)
	}

	ec, err := a.evalContext(ctx, w, def, step.Key, nil)
	if err != nil {
		o, fevs, ferr := a.failWorkflow(w, step.Key, err)
		return o, append(evs, fevs...), ferr
	}

	if step.TerminationCondition != "" {
		term, ok := a.resolver.Termination(step.TerminationCondition)
		if !ok {
			o, fevs, ferr := a.failWorkflow(w, step.Key, fmt.Errorf("engine: termination condition %q not registered", step.TerminationCondition))
			return o, append(evs, fevs...), ferr
		}
		decision, err := term.Decide(ctx, ec)
		if err != nil {
			o, fevs, ferr := a.failWorkflow(w, step.Key, &maestro.ConditionError{Name: step.TerminationCondition, Cause: err})
			return o, append(evs, fevs...), ferr
		}
		if decision.Terminate {
			switch decision.Target {
			case "succeeded":
				if err := w.Succeed(); err != nil {
					return OutcomeNone, nil, err
				}
				evs = append(evs, event.New(event.WorkflowSucceeded, w.ID).
					WithDetail("terminated_by", step.TerminationCondition))
				return OutcomeWorkflowSucceeded, evs, nil
			case "failed":
				if err := w.Fail(step.Key, "terminated by condition "+step.TerminationCondition); err != nil {
					return OutcomeNone, nil, err
				}
				evs = append(evs, event.New(event.WorkflowFailed, w.ID).WithStep(step.Key).
					WithDetail("terminated_by", step.TerminationCondition))
				return OutcomeWorkflowFailed, evs, nil
			default:
				cause := &maestro.ConditionError{
					Name:  step.TerminationCondition,
					Cause: fmt.Errorf("invalid termination target %q", decision.Target),
				}
				o, fevs, ferr := a.failWorkflow(w, step.Key, cause)
				return o, append(evs, fevs...), ferr
			}
		}
	}

	if step.BranchCondition != "" {
		branch, ok := a.resolver.Branch(step.BranchCondition)
		if !ok {
			o, fevs, ferr := a.failWorkflow(w, step.Key, fmt.Errorf("engine: branch condition %q not registered", step.BranchCondition))
			return o, append(evs, fevs...), ferr
		}
		branchKey, err := branch.Branch(ctx, ec)
		if err != nil {
			o, fevs, ferr := a.failWorkflow(w, step.Key, &maestro.ConditionError{Name: step.BranchCondition, Cause: err})
			return o, append(evs, fevs...), ferr
		}
		if err := a.workflows.AppendBranchDecision(ctx, workflow.NewBranchDecision(w.ID, step.Key, branchKey)); err != nil {
			return OutcomeNone, nil, err
		}
		w.DecideBranch(branchKey)
		evs = append(evs, event.New(event.BranchDecided, w.ID).WithStep(step.Key).
			WithDetail("branch", branchKey))
	}

	return a.advancePosition(ctx, w, def, step, evs)
}

// writeOutputs stores each declared output under every succeeded job's
// result. Fan-out results fold through the registered merge function
// for the output's name, in item order.
func (a *Advancer) writeOutputs(ctx context.Context, w *workflow.Instance, step *definition.Step, succeeded []*job.Record) error {
	if len(step.Produces) == 0 {
		return nil
	}
	for _, rec := range succeeded {
		for _, name := range step.Produces {
			if err := a.outputs.Write(ctx, w.ID, step.Key, name, rec.Result); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyFailurePolicy reacts to a terminally failed or timed-out run
// according to the step's policy. Timed-out polling runs follow the
// polling timeout policy instead.
func (a *Advancer) applyFailurePolicy(ctx context.Context, w *workflow.Instance, def *definition.Definition, step *definition.Step, run *workflow.StepRun, evs []event.Event) (Outcome, []event.Event, error) {
	if run.State == workflow.StepTimedOut {
		return a.applyPollTimeoutPolicy(ctx, w, def, step, evs)
	}

	switch step.EffectivePolicy() {
	case definition.PauseWorkflow:
		reason := fmt.Sprintf("step %s failed: %s", step.Key, run.FailureMessage)
		if err := w.Pause(reason); err != nil {
			return OutcomeNone, nil, err
		}
		evs = append(evs, event.New(event.WorkflowPaused, w.ID).WithStep(step.Key).
			WithDetail("reason", reason))
		return OutcomeWorkflowPaused, evs, nil

	case definition.SkipStep:
		// The run stays failed in the history; only the position moves.
		outcome, evs, err := a.advancePosition(ctx, w, def, step, evs)
		if err != nil {
			return OutcomeNone, nil, err
		}
		if outcome == OutcomeStepSucceeded {
			outcome = OutcomeStepSkipped
		}
		return outcome, evs, nil

	case definition.RetryStep:
		if step.Retry != nil && run.Attempt < step.Retry.MaxAttempts {
			return a.retryStep(ctx, w, step, run, evs)
		}
		// Exhausted retries fall through to failing the workflow.

	case definition.ContinueWithPartial:
		// Partial success is settled during finalization; a failed run
		// reaching this point advances like a skip.
		outcome, evs, err := a.advancePosition(ctx, w, def, step, evs)
		if err != nil {
			return OutcomeNone, nil, err
		}
		if outcome == OutcomeStepSucceeded {
			outcome = OutcomeStepSkipped
		}
		return outcome, evs, nil
	}

	if err := w.Fail(step.Key, run.FailureMessage); err != nil {
		return OutcomeNone, nil, err
	}
	evs = append(evs, event.New(event.WorkflowFailed, w.ID).WithStep(step.Key).
		WithDetail("message", run.FailureMessage))
	return OutcomeWorkflowFailed, evs, nil
}

// retryStep supersedes a failed run with a fresh attempt whose jobs are
// future-dated by the retry delay. Fan-outs honor the retry scope:
// failed_only re-dispatches only the failed items.
func (a *Advancer) retryStep(ctx context.Context, w *workflow.Instance, step *definition.Step, run *workflow.StepRun, evs []event.Event) (Outcome, []event.Event, error) {
	cfg := step.Retry
	delay := retryDelay(cfg, run.Attempt)
	runAt := time.Now().UTC().Add(delay)

	newRun := workflow.NewStepRun(w.ID, step.Key, run.Attempt+1)

	if step.Kind == definition.KindPolling {
		if err := newRun.BeginPolling(); err != nil {
			return OutcomeNone, nil, err
		}
		if err := a.supersedeWith(ctx, run, newRun); err != nil {
			return OutcomeNone, nil, err
		}
		rec := job.NewRecord(w.ID, newRun.ID, step.JobClass, job.PurposePoll, step.EffectiveQueue(), nil)
		rec.Timeout = step.Timeout
		rec.RunAt = runAt
		if err := a.jobs.CreateRecord(ctx, rec); err != nil {
			return OutcomeNone, nil, err
		}
		evs = append(evs, retryEvents(w, step, newRun.Attempt, delay)...)
		return OutcomeStepRetried, evs, nil
	}

	prior, err := a.stepRecords(ctx, run, job.PurposeStep)
	if err != nil {
		return OutcomeNone, nil, err
	}
	failedOnly := step.Kind == definition.KindFanOut && cfg.Scope == definition.RetryFailedOnly

	var records []*job.Record
	for _, old := range prior {
		if failedOnly && old.State != job.StateFailed {
			continue
		}
		rec := job.NewRecord(w.ID, newRun.ID, old.JobClass, job.PurposeStep, old.Queue, old.Args)
		rec.ItemIndex = old.ItemIndex
		rec.Parallelism = old.Parallelism
		rec.Timeout = old.Timeout
		rec.RunAt = runAt
		records = append(records, rec)
	}

	if err := newRun.Begin(len(records)); err != nil {
		return OutcomeNone, nil, err
	}
	if err := a.supersedeWith(ctx, run, newRun); err != nil {
		return OutcomeNone, nil, err
	}
	if err := a.dispatchMany(ctx, records); err != nil {
		return OutcomeNone, nil, err
	}

	evs = append(evs, retryEvents(w, step, newRun.Attempt, delay)...)
	return OutcomeStepRetried, evs, nil
}

// supersedeWith persists the old run's supersession and the new run.
func (a *Advancer) supersedeWith(ctx context.Context, old, replacement *workflow.StepRun) error {
	if err := old.Supersede(replacement.ID); err != nil {
		return err
	}
	if err := a.workflows.UpdateStepRun(ctx, old); err != nil {
		return err
	}
	return a.workflows.CreateStepRun(ctx, replacement)
}

func retryEvents(w *workflow.Instance, step *definition.Step, attempt int, delay time.Duration) []event.Event {
	return []event.Event{
		event.New(event.StepSuperseded, w.ID).WithStep(step.Key),
		event.New(event.StepDispatched, w.ID).WithStep(step.Key).
			WithDetail("attempt", attempt).
			WithDetail("delay", delay.String()),
	}
}

// retryDelay grows the configured delay geometrically per attempt.
func retryDelay(cfg *definition.RetryConfig, attempt int) time.Duration {
	factor := cfg.BackoffMultiplier
	if factor < 1 {
		factor = 1
	}
	return backoff.NewMultiplier(cfg.Delay, factor, cfg.MaxDelay).Delay(attempt)
}

// stepRecords returns the run's ledger records of one purpose, in item
// then creation order.
func (a *Advancer) stepRecords(ctx context.Context, run *workflow.StepRun, purpose job.Purpose) ([]*job.Record, error) {
	all, err := a.jobs.ListRecordsForStepRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, rec := range all {
		if rec.Purpose == purpose {
			out = append(out, rec)
		}
	}
	return out, nil
}
