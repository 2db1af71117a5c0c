// Package worker executes claimed ledger records and feeds their
// outcomes back into workflow advancement. The Pool claims due records
// from the ledger; the Executor runs each one through the middleware
// chain and the registered handler or probe, persists the terminal
// record state, and then re-evaluates the owning workflow.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/noatudor/maestro"
	"github.com/noatudor/maestro/event"
	"github.com/noatudor/maestro/id"
	"github.com/noatudor/maestro/job"
	"github.com/noatudor/maestro/middleware"
	"github.com/noatudor/maestro/workflow"
)

// Advancer re-evaluates a workflow after a record reaches a terminal
// state. Implemented by engine.Advancer.
type Advancer interface {
	Run(ctx context.Context, workflowID id.WorkflowID) error
}

// Executor runs a single claimed ledger record to completion.
type Executor struct {
	registry  *job.Registry
	jobs      job.Store
	workflows workflow.Store
	advancer  Advancer
	emitter   event.Emitter
	logger    *slog.Logger
	mw        middleware.Middleware
}

// NewExecutor creates an executor. Middleware run in the given order,
// outermost first.
func NewExecutor(registry *job.Registry, jobs job.Store, workflows workflow.Store, advancer Advancer, emitter event.Emitter, logger *slog.Logger, mws ...middleware.Middleware) *Executor {
	if emitter == nil {
		emitter = event.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:  registry,
		jobs:      jobs,
		workflows: workflows,
		advancer:  advancer,
		emitter:   emitter,
		logger:    logger,
		mw:        middleware.Chain(mws...),
	}
}

// Execute runs one claimed record through the middleware chain and the
// registered handler or probe, persists the outcome, and re-evaluates
// the owning workflow. The returned error is the handler's failure, nil
// on success.
func (e *Executor) Execute(ctx context.Context, rec *job.Record) error {
	inv, err := e.invocation(ctx, rec)
	if err != nil {
		return e.finishFailure(ctx, rec, job.FailureTransient, err, "")
	}

	var (
		result   []byte
		probeRes *job.ProbeResult
	)
	terminal := func(ctx context.Context) error {
		if rec.Purpose == job.PurposePoll {
			probe, ok := e.registry.Probe(rec.JobClass)
			if !ok {
				return fmt.Errorf("probe %q: %w", rec.JobClass, maestro.ErrNoHandler)
			}
			res, probeErr := probe(ctx, rec.Args, inv)
			if probeErr != nil {
				return probeErr
			}
			probeRes = res
			return nil
		}

		handler, ok := e.registry.Handler(rec.JobClass)
		if !ok {
			return fmt.Errorf("job class %q: %w", rec.JobClass, maestro.ErrNoHandler)
		}
		out, handlerErr := handler(ctx, rec.Args, inv)
		if handlerErr != nil {
			return handlerErr
		}
		result = out
		return nil
	}

	if execErr := e.mw(ctx, rec, terminal); execErr != nil {
		class, trace := classify(execErr)
		return e.finishFailure(ctx, rec, class, execErr, trace)
	}

	if rec.Purpose == job.PurposePoll {
		attempt := workflow.NewPollAttempt(rec.WorkflowID, rec.StepRunID, inv.PollNumber, probeRes.Complete, probeRes.Output)
		if appendErr := e.workflows.AppendPollAttempt(ctx, attempt); appendErr != nil {
			return e.finishFailure(ctx, rec, job.FailureTransient, appendErr, "")
		}
		result = probeRes.Output
	}

	if succErr := rec.Succeed(result); succErr != nil {
		return succErr
	}
	if updateErr := e.jobs.UpdateRecord(ctx, rec); updateErr != nil {
		e.logger.Error("failed to persist job success",
			slog.String("job_id", rec.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.emitter.Emit(event.New(event.JobSucceeded, rec.WorkflowID).WithStep(inv.StepKey).WithJob(rec.ID))
	e.advance(ctx, rec)
	return nil
}

// invocation builds handler metadata from the record and its step run.
// For probe records the poll number is the next in sequence.
func (e *Executor) invocation(ctx context.Context, rec *job.Record) (*job.Invocation, error) {
	run, err := e.workflows.GetStepRun(ctx, rec.StepRunID)
	if err != nil {
		return nil, fmt.Errorf("load step run for job %s: %w", rec.ID, err)
	}
	inv := &job.Invocation{
		WorkflowID: rec.WorkflowID,
		StepRunID:  rec.StepRunID,
		JobID:      rec.ID,
		StepKey:    run.StepKey,
		ItemIndex:  rec.ItemIndex,
	}
	if rec.Purpose == job.PurposePoll {
		latest, lerr := e.workflows.LatestPollAttempt(ctx, rec.StepRunID)
		if lerr != nil {
			return nil, fmt.Errorf("load poll attempts for job %s: %w", rec.ID, lerr)
		}
		inv.PollNumber = 1
		if latest != nil {
			inv.PollNumber = latest.Number + 1
		}
	}
	return inv, nil
}

func (e *Executor) finishFailure(ctx context.Context, rec *job.Record, class string, cause error, trace string) error {
	if failErr := rec.Fail(class, cause.Error(), trace); failErr != nil {
		return failErr
	}
	if updateErr := e.jobs.UpdateRecord(ctx, rec); updateErr != nil {
		e.logger.Error("failed to persist job failure",
			slog.String("job_id", rec.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.logger.Warn("job failed",
		slog.String("job_id", rec.ID.String()),
		slog.String("job_class", rec.JobClass),
		slog.String("workflow_id", rec.WorkflowID.String()),
		slog.String("failure_class", class),
		slog.String("error", cause.Error()),
	)

	e.emitter.Emit(event.New(event.JobFailed, rec.WorkflowID).
		WithJob(rec.ID).
		WithDetail("failure_class", class).
		WithDetail("error", cause.Error()))
	e.advance(ctx, rec)
	return cause
}

// advance re-evaluates the owning workflow after the record has been
// persisted. Shutdown must not abandon the evaluation, so cancellation
// of the job context is stripped. Errors are logged only: the record is
// already terminal and a later evaluation will pick the workflow up.
func (e *Executor) advance(ctx context.Context, rec *job.Record) {
	if err := e.advancer.Run(context.WithoutCancel(ctx), rec.WorkflowID); err != nil {
		e.logger.Warn("post-job advancement failed",
			slog.String("workflow_id", rec.WorkflowID.String()),
			slog.String("job_id", rec.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// classify maps a handler error to a failure class. Missing handlers
// and panics are systemic: retrying the same record cannot fix them.
func classify(err error) (class, trace string) {
	var pe *middleware.PanicError
	if errors.As(err, &pe) {
		return job.FailureSystemic, pe.Stack
	}
	if errors.Is(err, maestro.ErrNoHandler) {
		return job.FailureSystemic, ""
	}
	return job.FailureTransient, ""
}
