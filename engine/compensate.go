package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/definition"
	"github.com/noatudor/maestro/event"
	"github.com/noatudor/maestro/id"
	"github.com/noatudor/maestro/job"
	"github.com/noatudor/maestro/workflow"
)

// compensateLocked drives reverse-order rollback one transition at a
// time. Steps are visited newest first, restricted to the instance's
// compensation scope; only succeeded runs of compensable steps execute
// a rollback job, strictly sequentially. A step without a compensation
// job gets a skipped run for the audit trail. Runs under the workflow
// row lock.
func (a *Advancer) compensateLocked(ctx context.Context, w *workflow.Instance) (Outcome, []event.Event, error) {
	def, err := a.definitionFor(w)
	if err != nil {
		return OutcomeNone, nil, err
	}

	var inScope map[string]bool
	if len(w.CompensationSteps) > 0 {
		inScope = make(map[string]bool, len(w.CompensationSteps))
		for _, key := range w.CompensationSteps {
			inScope[key] = true
		}
	}

	for i := len(def.Steps) - 1; i >= 0; i-- {
		step := &def.Steps[i]
		if inScope != nil && !inScope[step.Key] {
			continue
		}

		run, err := a.workflows.ActiveStepRun(ctx, w.ID, step.Key)
		if errors.Is(err, maestro.ErrStepRunNotFound) {
			continue
		}
		if err != nil {
			return OutcomeNone, nil, err
		}
		if run.State != workflow.StepSucceeded {
			continue
		}

		comp, err := a.workflows.GetCompensationRun(ctx, w.ID, step.Key)
		if errors.Is(err, maestro.ErrCompensationNotFound) {
			return a.startCompensation(ctx, w, step, run)
		}
		if err != nil {
			return OutcomeNone, nil, err
		}

		switch comp.Status {
		case workflow.CompensationSucceeded, workflow.CompensationSkipped:
			continue
		case workflow.CompensationPending:
			return a.dispatchCompensation(ctx, w, step, run, comp, 0)
		case workflow.CompensationFailed:
			return a.retryCompensation(ctx, w, step, run, comp, nil)
		default:
			// Running: settle against the ledger, or keep waiting.
			return a.settleCompensation(ctx, w, step, run, comp)
		}
	}

	if target := w.PendingRetryStep; target != "" {
		// Compensation was requested as the first half of a
		// retry-from-step. Retire the affected runs and resume there.
		if err := a.retireStepsFrom(ctx, w, def, target); err != nil {
			return OutcomeNone, nil, err
		}
		if err := w.RetryFrom(target); err != nil {
			return OutcomeNone, nil, err
		}
		ev := event.New(event.WorkflowResumed, w.ID).WithStep(target).
			WithDetail("after", "compensation")
		return OutcomeCompensationAdvanced, []event.Event{ev}, nil
	}

	if err := w.CompleteCompensation(); err != nil {
		return OutcomeNone, nil, err
	}
	ev := event.New(event.WorkflowCompensated, w.ID)
	return OutcomeWorkflowCompensated, []event.Event{ev}, nil
}

// retireStepsFrom supersedes every non-superseded run at or after the
// target step and clears the outputs those steps produced, so a fresh
// attempt starts from a clean slate.
func (a *Advancer) retireStepsFrom(ctx context.Context, w *workflow.Instance, def *definition.Definition, target string) error {
	idx := def.StepIndex(target)
	if idx < 0 {
		return fmt.Errorf("engine: definition %s has no step %q", def.QualifiedKey(), target)
	}

	runs, err := a.workflows.ListStepRuns(ctx, w.ID)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.State == workflow.StepSuperseded || def.StepIndex(run.StepKey) < idx {
			continue
		}
		if err := run.Supersede(id.Nil); err != nil {
			return err
		}
		if err := a.workflows.UpdateStepRun(ctx, run); err != nil {
			return err
		}
	}

	var produced []string
	for _, step := range def.Steps[idx:] {
		produced = append(produced, step.Produces...)
	}
	return a.outputs.Clear(ctx, w.ID, produced)
}

// startCompensation creates the step's compensation run. Non-compensable
// steps are recorded as skipped so the rollback history is complete.
func (a *Advancer) startCompensation(ctx context.Context, w *workflow.Instance, step *definition.Step, run *workflow.StepRun) (Outcome, []event.Event, error) {
	if !step.Compensable() {
		comp := workflow.NewCompensationRun(w.ID, step.Key, "", 0)
		if err := comp.Skip(); err != nil {
			return OutcomeNone, nil, err
		}
		if err := a.workflows.CreateCompensationRun(ctx, comp); err != nil {
			return OutcomeNone, nil, err
		}
		return OutcomeCompensationAdvanced, nil, nil
	}

	comp := workflow.NewCompensationRun(w.ID, step.Key, step.Compensation.JobClass, step.Compensation.MaxAttempts)
	if err := comp.Begin(); err != nil {
		return OutcomeNone, nil, err
	}
	if err := a.workflows.CreateCompensationRun(ctx, comp); err != nil {
		return OutcomeNone, nil, err
	}
	return a.writeCompensationJob(ctx, w, step, run, comp, 0)
}

// dispatchCompensation begins a pending run and writes its rollback job.
func (a *Advancer) dispatchCompensation(ctx context.Context, w *workflow.Instance, step *definition.Step, run *workflow.StepRun, comp *workflow.CompensationRun, delay time.Duration) (Outcome, []event.Event, error) {
	if err := comp.Begin(); err != nil {
		return OutcomeNone, nil, err
	}
	if err := a.workflows.UpdateCompensationRun(ctx, comp); err != nil {
		return OutcomeNone, nil, err
	}
	return a.writeCompensationJob(ctx, w, step, run, comp, delay)
}

// settleCompensation checks a running rollback's ledger records. It
// returns OutcomeNone with no error while the job is outstanding.
func (a *Advancer) settleCompensation(ctx context.Context, w *workflow.Instance, step *definition.Step, run *workflow.StepRun, comp *workflow.CompensationRun) (Outcome, []event.Event, error) {
	records, err := a.compensationRecords(ctx, run, comp)
	if err != nil {
		return OutcomeNone, nil, err
	}
	if len(records) == 0 {
		// Begin persisted but the dispatch did not. Re-dispatch.
		return a.writeCompensationJob(ctx, w, step, run, comp, 0)
	}

	latest := records[len(records)-1]
	switch latest.State {
	case job.StateSucceeded:
		if err := comp.Succeed(); err != nil {
			return OutcomeNone, nil, err
		}
		if err := a.workflows.UpdateCompensationRun(ctx, comp); err != nil {
			return OutcomeNone, nil, err
		}
		ev := event.New(event.CompensationSucceeded, w.ID).WithStep(step.Key)
		return OutcomeCompensationAdvanced, []event.Event{ev}, nil

	case job.StateFailed:
		if err := comp.Fail(latest.FailureMessage); err != nil {
			return OutcomeNone, nil, err
		}
		return a.retryCompensation(ctx, w, step, run, comp, []event.Event{
			event.New(event.CompensationFailed, w.ID).WithStep(step.Key).
				WithDetail("message", latest.FailureMessage),
		})

	default:
		return OutcomeNone, nil, nil
	}
}

// retryCompensation re-attempts a failed rollback with backoff, or
// fails the workflow's compensation when the budget is spent.
func (a *Advancer) retryCompensation(ctx context.Context, w *workflow.Instance, step *definition.Step, run *workflow.StepRun, comp *workflow.CompensationRun, evs []event.Event) (Outcome, []event.Event, error) {
	if comp.Exhausted() {
		if err := a.workflows.UpdateCompensationRun(ctx, comp); err != nil {
			return OutcomeNone, nil, err
		}
		if err := w.FailCompensation(step.Key, comp.FailureMessage); err != nil {
			return OutcomeNone, nil, err
		}
		evs = append(evs, event.New(event.WorkflowFailed, w.ID).WithStep(step.Key).
			WithDetail("phase", "compensation").
			WithDetail("message", comp.FailureMessage))
		return OutcomeWorkflowCompensationFailed, evs, nil
	}

	delay := a.backoff.Delay(comp.Attempt)
	outcome, devs, err := a.dispatchCompensation(ctx, w, step, run, comp, delay)
	if err != nil {
		return OutcomeNone, nil, err
	}
	return outcome, append(evs, devs...), nil
}

// writeCompensationJob dispatches the rollback job, passing the step's
// first produced output as arguments so the handler knows what to undo.
func (a *Advancer) writeCompensationJob(ctx context.Context, w *workflow.Instance, step *definition.Step, run *workflow.StepRun, comp *workflow.CompensationRun, delay time.Duration) (Outcome, []event.Event, error) {
	var args []byte
	if len(step.Produces) > 0 {
		value, err := a.outputs.Read(ctx, w.ID, step.Produces[0])
		if err != nil && !maestro.IsNotFound(err) {
			return OutcomeNone, nil, err
		}
		args = value
	}

	rec := job.NewRecord(w.ID, run.ID, comp.JobClass, job.PurposeCompensation, step.EffectiveQueue(), args)
	rec.CompensationID = &comp.ID
	if delay > 0 {
		rec.RunAt = time.Now().UTC().Add(delay)
	}
	if err := a.jobs.CreateRecord(ctx, rec); err != nil {
		return OutcomeNone, nil, err
	}

	evs := []event.Event{
		event.New(event.CompensationStarted, w.ID).WithStep(step.Key).
			WithDetail("attempt", comp.Attempt),
		event.New(event.JobDispatched, w.ID).WithStep(step.Key).WithJob(rec.ID),
	}
	return OutcomeCompensationDispatched, evs, nil
}

// compensationRecords returns the rollback's ledger records in creation
// order.
func (a *Advancer) compensationRecords(ctx context.Context, run *workflow.StepRun, comp *workflow.CompensationRun) ([]*job.Record, error) {
	all, err := a.jobs.ListRecordsForStepRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	var out []*job.Record
	for _, rec := range all {
		if rec.Purpose == job.PurposeCompensation && rec.CompensationID != nil && rec.CompensationID.String() == comp.ID.String() {
			out = append(out, rec)
		}
	}
	return out, nil
}
