package middleware

import (
	"context"
	"log/slog"

	"github.com/noatudor/maestro/job"
)

// Timeout returns middleware that enforces a per-job execution deadline.
// If the record has a non-zero Timeout, a context.WithTimeout wraps the
// handler call. When the deadline is exceeded the context is cancelled
// and the handler should return context.DeadlineExceeded.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, rec *job.Record, next Handler) error {
		if rec.Timeout > 0 {
			logger.Debug("job timeout set",
				slog.String("job_id", rec.ID.String()),
				slog.Duration("timeout", rec.Timeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, rec.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
