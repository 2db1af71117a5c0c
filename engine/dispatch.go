package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/definition"
	"github.com/noatudor/maestro/event"
	"github.com/noatudor/maestro/id"
	"github.com/noatudor/maestro/job"
	"github.com/noatudor/maestro/workflow"
)

// dispatchJobConcurrency bounds how many ledger writes a fan-out
// dispatch runs in parallel.
const dispatchJobConcurrency = 8

// dispatchStep creates a run for the current step and writes its jobs
// to the ledger. Gate order: branch membership, trigger, entry
// condition, required outputs. Runs under the workflow row lock.
func (a *Advancer) dispatchStep(ctx context.Context, w *workflow.Instance, def *definition.Definition, step *definition.Step) (Outcome, []event.Event, error) {
	if step.BranchKey != "" && step.BranchKey != w.ActiveBranch {
		return a.skipStep(ctx, w, def, step)
	}

	trigger, err := a.triggerPayload(ctx, w, step)
	if err != nil {
		return OutcomeNone, nil, err
	}
	if step.Trigger != nil && trigger == nil {
		var deadline *time.Time
		if step.Trigger.Timeout > 0 {
			t := time.Now().UTC().Add(step.Trigger.Timeout)
			deadline = &t
		}
		if err := w.AwaitTrigger(step.Trigger.Key, deadline); err != nil {
			return OutcomeNone, nil, err
		}
		ev := event.New(event.WorkflowPaused, w.ID).WithStep(step.Key).
			WithDetail("trigger_key", step.Trigger.Key)
		return OutcomeAwaitingTrigger, []event.Event{ev}, nil
	}

	var triggerBytes []byte
	if trigger != nil {
		triggerBytes = trigger.Payload
	}
	ec, err := a.evalContext(ctx, w, def, step.Key, triggerBytes)
	if err != nil {
		return a.failWorkflow(w, step.Key, err)
	}

	if step.EntryCondition != "" {
		cond, ok := a.resolver.Condition(step.EntryCondition)
		if !ok {
			return a.failWorkflow(w, step.Key, fmt.Errorf("engine: condition %q not registered", step.EntryCondition))
		}
		enter, err := cond.Evaluate(ctx, ec)
		if err != nil {
			return a.failWorkflow(w, step.Key, &maestro.ConditionError{Name: step.EntryCondition, Cause: err})
		}
		if !enter {
			return a.skipStep(ctx, w, def, step)
		}
	}

	if len(step.Requires) > 0 {
		missing, err := a.outputs.Missing(ctx, w.ID, step.Requires)
		if err != nil {
			return OutcomeNone, nil, err
		}
		if len(missing) > 0 {
			return a.failWorkflow(w, step.Key, &maestro.DependencyError{StepKey: step.Key, Missing: missing})
		}
	}

	attempt, err := a.nextAttempt(ctx, w.ID, step.Key)
	if err != nil {
		return OutcomeNone, nil, err
	}
	run := workflow.NewStepRun(w.ID, step.Key, attempt)

	switch step.Kind {
	case definition.KindPolling:
		return a.dispatchPolling(ctx, w, step, run)
	case definition.KindFanOut:
		return a.dispatchFanOut(ctx, w, def, step, run, ec)
	default:
		return a.dispatchSingle(ctx, w, step, run, triggerBytes)
	}
}

// dispatchSingle writes one step job. The trigger payload, when the
// step was gated on one, becomes the job arguments.
func (a *Advancer) dispatchSingle(ctx context.Context, w *workflow.Instance, step *definition.Step, run *workflow.StepRun, args []byte) (Outcome, []event.Event, error) {
	if err := run.Begin(1); err != nil {
		return OutcomeNone, nil, err
	}
	if err := a.workflows.CreateStepRun(ctx, run); err != nil {
		return OutcomeNone, nil, err
	}

	rec := job.NewRecord(w.ID, run.ID, step.JobClass, job.PurposeStep, step.EffectiveQueue(), args)
	rec.Timeout = step.Timeout
	if err := a.jobs.CreateRecord(ctx, rec); err != nil {
		return OutcomeNone, nil, err
	}

	evs := []event.Event{
		event.New(event.StepDispatched, w.ID).WithStep(step.Key),
		event.New(event.JobDispatched, w.ID).WithStep(step.Key).WithJob(rec.ID),
	}
	return OutcomeStepDispatched, evs, nil
}

// dispatchFanOut materializes the item source and writes one job per
// item. A source producing zero items succeeds the step vacuously.
func (a *Advancer) dispatchFanOut(ctx context.Context, w *workflow.Instance, def *definition.Definition, step *definition.Step, run *workflow.StepRun, ec *definition.EvalContext) (Outcome, []event.Event, error) {
	source, ok := a.resolver.ItemSource(step.ItemSource)
	if !ok {
		return a.failWorkflow(w, step.Key, fmt.Errorf("engine: item source %q not registered", step.ItemSource))
	}
	items, err := source.Items(ctx, ec)
	if err != nil {
		return a.failWorkflow(w, step.Key, &maestro.ConditionError{Name: step.ItemSource, Cause: err})
	}

	var builder definition.ArgumentBuilder
	if step.ArgumentBuilder != "" {
		builder, ok = a.resolver.ArgumentBuilder(step.ArgumentBuilder)
		if !ok {
			return a.failWorkflow(w, step.Key, fmt.Errorf("engine: argument builder %q not registered", step.ArgumentBuilder))
		}
	}

	if len(items) == 0 {
		if err := run.Begin(0); err != nil {
			return OutcomeNone, nil, err
		}
		if err := run.Succeed(); err != nil {
			return OutcomeNone, nil, err
		}
		if err := a.workflows.CreateStepRun(ctx, run); err != nil {
			return OutcomeNone, nil, err
		}
		ev := event.New(event.StepSucceeded, w.ID).WithStep(step.Key).WithDetail("jobs_total", 0)
		return a.advancePosition(ctx, w, def, step, []event.Event{ev})
	}

	records := make([]*job.Record, len(items))
	for i, item := range items {
		args := item
		if builder != nil {
			args, err = builder.Build(ctx, item, ec)
			if err != nil {
				return a.failWorkflow(w, step.Key, &maestro.ConditionError{Name: step.ArgumentBuilder, Cause: err})
			}
		}
		rec := job.NewRecord(w.ID, run.ID, step.JobClass, job.PurposeStep, step.EffectiveQueue(), args)
		rec.ItemIndex = i
		rec.Parallelism = step.Parallelism
		rec.Timeout = step.Timeout
		records[i] = rec
	}

	if err := run.Begin(len(records)); err != nil {
		return OutcomeNone, nil, err
	}
	if err := a.workflows.CreateStepRun(ctx, run); err != nil {
		return OutcomeNone, nil, err
	}
	if err := a.dispatchMany(ctx, records); err != nil {
		return OutcomeNone, nil, err
	}

	evs := []event.Event{event.New(event.StepDispatched, w.ID).WithStep(step.Key).
		WithDetail("jobs_total", len(records))}
	for _, rec := range records {
		evs = append(evs, event.New(event.JobDispatched, w.ID).WithStep(step.Key).WithJob(rec.ID))
	}
	return OutcomeStepDispatched, evs, nil
}

// dispatchPolling creates a polling run and its first probe.
func (a *Advancer) dispatchPolling(ctx context.Context, w *workflow.Instance, step *definition.Step, run *workflow.StepRun) (Outcome, []event.Event, error) {
	if err := run.BeginPolling(); err != nil {
		return OutcomeNone, nil, err
	}
	if err := a.workflows.CreateStepRun(ctx, run); err != nil {
		return OutcomeNone, nil, err
	}

	rec := job.NewRecord(w.ID, run.ID, step.JobClass, job.PurposePoll, step.EffectiveQueue(), nil)
	rec.Timeout = step.Timeout
	if err := a.jobs.CreateRecord(ctx, rec); err != nil {
		return OutcomeNone, nil, err
	}

	evs := []event.Event{
		event.New(event.StepDispatched, w.ID).WithStep(step.Key),
		event.New(event.JobDispatched, w.ID).WithStep(step.Key).WithJob(rec.ID),
	}
	return OutcomeStepDispatched, evs, nil
}

// dispatchMany writes ledger records concurrently. Each record carries
// its own dispatch id, so a partial failure retried by the caller
// re-creates only what is missing.
func (a *Advancer) dispatchMany(ctx context.Context, records []*job.Record) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(dispatchJobConcurrency)
	for _, rec := range records {
		g.Go(func() error {
			return a.jobs.CreateRecord(ctx, rec)
		})
	}
	return g.Wait()
}

// skipStep records a skipped run for the current step and repositions
// the instance past it.
func (a *Advancer) skipStep(ctx context.Context, w *workflow.Instance, def *definition.Definition, step *definition.Step) (Outcome, []event.Event, error) {
	attempt, err := a.nextAttempt(ctx, w.ID, step.Key)
	if err != nil {
		return OutcomeNone, nil, err
	}
	run := workflow.NewStepRun(w.ID, step.Key, attempt)
	if err := run.Skip(); err != nil {
		return OutcomeNone, nil, err
	}
	if err := a.workflows.CreateStepRun(ctx, run); err != nil {
		return OutcomeNone, nil, err
	}

	evs := []event.Event{event.New(event.StepSkipped, w.ID).WithStep(step.Key)}
	outcome, evs, err := a.advancePosition(ctx, w, def, step, evs)
	if err != nil {
		return OutcomeNone, nil, err
	}
	if outcome == OutcomeStepSucceeded {
		outcome = OutcomeStepSkipped
	}
	return outcome, evs, nil
}

// failWorkflow fails the instance for an orchestration-level error at
// the given step: unresolvable references, condition errors, missing
// required outputs. These are configuration problems retrying cannot
// fix.
func (a *Advancer) failWorkflow(w *workflow.Instance, stepKey string, cause error) (Outcome, []event.Event, error) {
	if err := w.Fail(stepKey, cause.Error()); err != nil {
		return OutcomeNone, nil, err
	}
	ev := event.New(event.WorkflowFailed, w.ID).WithStep(stepKey).
		WithDetail("message", cause.Error())
	return OutcomeWorkflowFailed, []event.Event{ev}, nil
}

// nextAttempt numbers a new run after every prior run of the step,
// superseded ones included.
func (a *Advancer) nextAttempt(ctx context.Context, workflowID id.WorkflowID, stepKey string) (int, error) {
	runs, err := a.workflows.ListStepRuns(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range runs {
		if r.StepKey == stepKey {
			n++
		}
	}
	return n + 1, nil
}
