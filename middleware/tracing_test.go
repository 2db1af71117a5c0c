package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/noatudor/maestro/middleware"
)

func setupTestTracer() (*tracetest.SpanRecorder, trace.Tracer) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, tp.Tracer("test")
}

func TestTracingCreatesSpan(t *testing.T) {
	sr, tracer := setupTestTracer()
	m := middleware.TracingWithTracer(tracer)
	rec := testRecord()

	err := m(context.Background(), rec, func(_ context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("middleware: %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "maestro.job.execute" {
		t.Errorf("span name = %q, want maestro.job.execute", spans[0].Name())
	}

	attrs := map[string]string{}
	for _, a := range spans[0].Attributes() {
		attrs[string(a.Key)] = a.Value.Emit()
	}
	if attrs["maestro.job.class"] != "jobs.Test" {
		t.Errorf("job.class attribute = %q, want jobs.Test", attrs["maestro.job.class"])
	}
	if attrs["maestro.job.id"] != rec.ID.String() {
		t.Errorf("job.id attribute = %q, want %s", attrs["maestro.job.id"], rec.ID)
	}
	if attrs["maestro.queue"] != "default" {
		t.Errorf("queue attribute = %q, want default", attrs["maestro.queue"])
	}
}

func TestTracingRecordsError(t *testing.T) {
	sr, tracer := setupTestTracer()
	m := middleware.TracingWithTracer(tracer)

	handlerErr := errors.New("boom")
	err := m(context.Background(), testRecord(), func(_ context.Context) error {
		return handlerErr
	})
	if !errors.Is(err, handlerErr) {
		t.Fatalf("err = %v, want handler error", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if got := spans[0].Status().Code; got != codes.Error {
		t.Errorf("status code = %v, want Error", got)
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected a recorded error event on the span")
	}
}
