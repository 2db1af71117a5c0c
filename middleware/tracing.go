package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noatudor/maestro/job"
)

// tracerName is the instrumentation scope name for maestro tracing.
const tracerName = "github.com/noatudor/maestro"

// Tracing returns middleware that wraps job execution in an OpenTelemetry span.
// If no TracerProvider is configured globally, the default noop tracer is used
// and this middleware becomes a pass-through with zero overhead.
//
// Span attributes include: maestro.job.id, maestro.job.class,
// maestro.job.purpose, maestro.queue, maestro.workflow.id, and
// maestro.step_run.id. On error, the span status is set to codes.Error
// with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, rec *job.Record, next Handler) error {
		ctx, span := tracer.Start(ctx, "maestro.job.execute",
			trace.WithAttributes(
				attribute.String("maestro.job.id", rec.ID.String()),
				attribute.String("maestro.job.class", rec.JobClass),
				attribute.String("maestro.job.purpose", string(rec.Purpose)),
				attribute.String("maestro.queue", rec.Queue),
				attribute.String("maestro.workflow.id", rec.WorkflowID.String()),
				attribute.String("maestro.step_run.id", rec.StepRunID.String()),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
