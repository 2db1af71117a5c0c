package middleware

import (
	"context"

	"github.com/noatudor/maestro/id"
	"github.com/noatudor/maestro/job"
)

type contextKey int

const (
	workflowIDKey contextKey = iota
	stepRunIDKey
)

// WorkflowContext returns middleware that injects the record's workflow
// identity into the context, so handler code several layers down can
// correlate its own logs and spans without threading the record through.
func WorkflowContext() Middleware {
	return func(ctx context.Context, rec *job.Record, next Handler) error {
		ctx = context.WithValue(ctx, workflowIDKey, rec.WorkflowID)
		ctx = context.WithValue(ctx, stepRunIDKey, rec.StepRunID)
		return next(ctx)
	}
}

// WorkflowIDFromContext returns the workflow id injected by
// WorkflowContext, false if absent.
func WorkflowIDFromContext(ctx context.Context) (id.WorkflowID, bool) {
	v, ok := ctx.Value(workflowIDKey).(id.WorkflowID)
	return v, ok
}

// StepRunIDFromContext returns the step run id injected by
// WorkflowContext, false if absent.
func StepRunIDFromContext(ctx context.Context) (id.StepRunID, bool) {
	v, ok := ctx.Value(stepRunIDKey).(id.StepRunID)
	return v, ok
}
