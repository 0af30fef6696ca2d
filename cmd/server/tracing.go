package main

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// setupTracing installs a process-wide TracerProvider so every
// otel.Tracer call made from the engine (the evaluation worker's
// external tracing sink, §4.14 step 5; the HTTP boundary via
// otelhttp) produces real, sampled spans instead of silently falling
// back to the no-op provider. Span export is left to whatever
// OTEL_EXPORTER_* environment variables the operator sets on the
// process; with none set, spans are still created, sampled, and
// timed, which is sufficient for trace IDs to flow onto the
// EvaluationRecord.
func setupTracing() func(context.Context) error {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}
