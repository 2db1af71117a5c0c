package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/noatudor/maestro/job"
)

// Logging returns middleware that logs job start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, rec *job.Record, next Handler) error {
		logger.Info("job started",
			slog.String("job_class", rec.JobClass),
			slog.String("job_id", rec.ID.String()),
			slog.String("workflow_id", rec.WorkflowID.String()),
			slog.String("purpose", string(rec.Purpose)),
			slog.String("queue", rec.Queue),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("job failed",
				slog.String("job_class", rec.JobClass),
				slog.String("job_id", rec.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("job completed",
				slog.String("job_class", rec.JobClass),
				slog.String("job_id", rec.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
