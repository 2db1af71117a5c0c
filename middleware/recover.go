package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/noatudor/maestro/job"
)

// PanicError reports a panic recovered from a job handler. The executor
// classifies these as systemic failures.
type PanicError struct {
	JobClass string
	Value    any
	Stack    string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in job class %s: %v", e.JobClass, e.Value)
}

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to PanicError and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, rec *job.Record, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("job handler panicked",
					slog.String("job_class", rec.JobClass),
					slog.String("job_id", rec.ID.String()),
					slog.String("workflow_id", rec.WorkflowID.String()),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = &PanicError{JobClass: rec.JobClass, Value: r, Stack: stack}
			}
		}()
		return next(ctx)
	}
}
